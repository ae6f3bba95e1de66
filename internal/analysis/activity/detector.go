package activity

import "math"

// DefaultThreshold 默认能量阈值，基于归一化到 [-1,1] 的采样计算。
const DefaultThreshold = 0.01

// Decision 给出单个音频块的说话判定结果。
type Decision struct {
	Energy   float64
	Speaking bool
	Changed  bool
}

// RMS 计算归一化采样的均方根能量。
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Detector 基于能量阈值判断用户是否在说话。
// 仅用于本地界面反馈，打断逻辑以服务端 user_speaking 为准。
//
// Hangover keeps the speaking flag raised for that many quiet blocks after the
// last loud one; zero means every block is judged on its own.
type Detector struct {
	Threshold float64
	Hangover  int

	speaking bool
	quiet    int
}

// NewDetector 创建检测器，阈值非正时使用默认值。
func NewDetector(threshold float64, hangover int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if hangover < 0 {
		hangover = 0
	}
	return &Detector{Threshold: threshold, Hangover: hangover}
}

// Analyze 处理一个音频块。
func (d *Detector) Analyze(samples []float32) Decision {
	energy := RMS(samples)
	prev := d.speaking

	if energy > d.Threshold {
		d.speaking = true
		d.quiet = 0
	} else if d.speaking {
		d.quiet++
		if d.quiet > d.Hangover {
			d.speaking = false
			d.quiet = 0
		}
	}

	return Decision{Energy: energy, Speaking: d.speaking, Changed: prev != d.speaking}
}

// Speaking 返回最近一次判定。
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Reset 清空状态，语音模式重新开启时调用。
func (d *Detector) Reset() {
	d.speaking = false
	d.quiet = 0
}
