package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 聚合整个客户端的配置项。
type Config struct {
	Server     ServerConfig
	Assistant  AssistantConfig
	Audio      AudioConfig
	Identity   IdentityConfig
	Storefront StorefrontConfig
	Log        LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	assistant, err := loadAssistantConfig()
	if err != nil {
		return nil, err
	}

	audio, err := loadAudioConfig()
	if err != nil {
		return nil, err
	}

	identity, err := loadIdentityConfig()
	if err != nil {
		return nil, err
	}

	storefront, err := loadStorefrontConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Assistant:  assistant,
		Audio:      audio,
		Identity:   identity,
		Storefront: storefront,
		Log:        logCfg,
	}, nil
}

// ServerConfig 描述本地 HTTP 外壳的监听配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8090"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8090" 或 "127.0.0.1:8090"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AssistantConfig 描述对话服务的连接参数。
type AssistantConfig struct {
	BaseURL           string
	KeepaliveInterval time.Duration
	SendQueue         int
}

func loadAssistantConfig() (AssistantConfig, error) {
	keepalive, err := parseDurationEnv("ASSISTANT_KEEPALIVE", 0)
	if err != nil {
		return AssistantConfig{}, err
	}

	queue := 8
	if override, err := parseOptionalIntEnv("ASSISTANT_SEND_QUEUE"); err != nil {
		return AssistantConfig{}, err
	} else if override != nil {
		if *override < 1 {
			queue = 1
		} else {
			queue = *override
		}
	}

	return AssistantConfig{
		BaseURL:           getEnvOrDefault("ASSISTANT_BASE_URL", "http://localhost:8000"),
		KeepaliveInterval: keepalive,
		SendQueue:         queue,
	}, nil
}

// AudioConfig 描述采集与播放参数。
type AudioConfig struct {
	SampleRate       int
	BlockSize        int
	SpeechThreshold  float64
	EchoCancellation bool
	NoiseSuppression bool
	InputDevice      string
	FFmpegPath       string
	FFplayPath       string
}

func loadAudioConfig() (AudioConfig, error) {
	rate := 24000
	if override, err := parseOptionalIntEnv("AUDIO_SAMPLE_RATE"); err != nil {
		return AudioConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return AudioConfig{}, fmt.Errorf("invalid AUDIO_SAMPLE_RATE value %q: must be positive", strconv.Itoa(*override))
		}
		rate = *override
	}

	block := 4096
	if override, err := parseOptionalIntEnv("AUDIO_BLOCK_SIZE"); err != nil {
		return AudioConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return AudioConfig{}, fmt.Errorf("invalid AUDIO_BLOCK_SIZE value %q: must be positive", strconv.Itoa(*override))
		}
		block = *override
	}

	threshold := 0.01 // 与 activity.DefaultThreshold 一致
	if override, err := parseOptionalFloatEnv("AUDIO_SPEECH_THRESHOLD"); err != nil {
		return AudioConfig{}, err
	} else if override != nil {
		threshold = *override
	}

	echo, err := parseBoolEnv("AUDIO_ECHO_CANCELLATION", true)
	if err != nil {
		return AudioConfig{}, err
	}

	noise, err := parseBoolEnv("AUDIO_NOISE_SUPPRESSION", true)
	if err != nil {
		return AudioConfig{}, err
	}

	return AudioConfig{
		SampleRate:       rate,
		BlockSize:        block,
		SpeechThreshold:  threshold,
		EchoCancellation: echo,
		NoiseSuppression: noise,
		InputDevice:      strings.TrimSpace(os.Getenv("AUDIO_INPUT_DEVICE")),
		FFmpegPath:       getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFplayPath:       getEnvOrDefault("FFPLAY_PATH", "ffplay"),
	}, nil
}

// 会话标识的持久化后端。
const (
	IdentityFile    = "file"
	IdentityKeyring = "keyring"
	IdentityMemory  = "memory"
)

// IdentityConfig 描述会话标识的存储位置。
type IdentityConfig struct {
	Backend        string
	Path           string
	KeyringService string
}

func loadIdentityConfig() (IdentityConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("IDENTITY_BACKEND", IdentityFile))
	switch backend {
	case IdentityFile, IdentityKeyring, IdentityMemory:
	default:
		return IdentityConfig{}, fmt.Errorf("invalid IDENTITY_BACKEND value %q: want file, keyring or memory", backend)
	}

	return IdentityConfig{
		Backend:        backend,
		Path:           strings.TrimSpace(os.Getenv("IDENTITY_PATH")),
		KeyringService: getEnvOrDefault("IDENTITY_KEYRING_SERVICE", "voice-storefront"),
	}, nil
}

// StorefrontConfig 描述商城 REST 接口。
type StorefrontConfig struct {
	BaseURL string
	Timeout time.Duration
}

func loadStorefrontConfig() (StorefrontConfig, error) {
	timeout, err := parseDurationEnv("STOREFRONT_TIMEOUT", 10*time.Second)
	if err != nil {
		return StorefrontConfig{}, err
	}

	return StorefrontConfig{
		// 默认与对话服务同源
		BaseURL: getEnvOrDefault("STOREFRONT_BASE_URL", getEnvOrDefault("ASSISTANT_BASE_URL", "http://localhost:8000")),
		Timeout: timeout,
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() (LogConfig, error) {
	level := strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info"))
	if _, err := zapcore.ParseLevel(level); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", level, err)
	}

	format := strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json"))
	if format != "json" && format != "console" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q: want json or console", format)
	}

	return LogConfig{Level: level, Format: format}, nil
}

// NewLogger 按配置构建 zap 日志器。console 格式使用开发模式输出。
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var cfg zap.Config
	if c.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
