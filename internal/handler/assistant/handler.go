package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
	"github.com/zhouzirui/voice-storefront/client/internal/service/assistant"
	"github.com/zhouzirui/voice-storefront/client/internal/service/audio"
	"github.com/zhouzirui/voice-storefront/client/internal/service/storefront"
	"github.com/zhouzirui/voice-storefront/client/internal/service/transport"
	"github.com/zhouzirui/voice-storefront/client/pkg/utils"
)

// Panel 抽象助手面板，便于测试与替换实现
type Panel interface {
	Open(ctx context.Context) error
	Close() error
	SendText(ctx context.Context, text string) error
	StartVoice(ctx context.Context) error
	StopVoice(ctx context.Context) error
	SelectProduct(ctx context.Context, productID string) error
	ClearSession(ctx context.Context) error
	SessionID() string
	Snapshot() model.Snapshot
	Subscribe() (<-chan model.Snapshot, func())
}

// StoreView 暴露最近一次刷新的购物车和用户选中的商品
type StoreView interface {
	Cart() storefront.Cart
	Selected() (model.Product, bool)
}

// Handler 助手面板的HTTP处理器
type Handler struct {
	panel     Panel
	store     StoreView
	logger    *zap.Logger
	heartbeat time.Duration
}

// New 创建助手处理器，store 可以为 nil
func New(panel Panel, store StoreView, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		panel:     panel,
		store:     store,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// RegisterRoutes 注册助手相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/assistant", func(ar chi.Router) {
		ar.Get("/state", h.handleState)
		ar.Get("/events", h.handleEvents)
		ar.Post("/open", h.handleOpen)
		ar.Post("/close", h.handleClose)
		ar.Post("/messages", h.handleSendMessage)
		ar.Post("/voice", h.handleVoice)
		ar.Post("/products/{productID}/select", h.handleSelectProduct)
		ar.Get("/cart", h.handleCart)
		ar.Get("/selection", h.handleSelection)
	})

	r.Get("/session", h.handleGetSession)
	r.Delete("/session", h.handleClearSession)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type voiceRequest struct {
	Enabled *bool `json:"enabled"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.panel.Snapshot())
}

// handleEvents 以 SSE 推送状态快照，慢速客户端只会收到最新状态
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	updates, cancel := h.panel.Subscribe()
	defer cancel()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	h.logger.Debug("sse subscriber attached")
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse subscriber detached")
			return
		case snap := <-updates:
			if err := utils.SendSSEEvent(w, flusher, "state", snap); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	if err := h.panel.Open(r.Context()); err != nil {
		h.respondPanelError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.panel.Snapshot())
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.panel.Close(); err != nil {
		h.respondPanelError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.panel.Snapshot())
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.panel.SendText(r.Context(), req.Content); err != nil {
		h.respondPanelError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		utils.RespondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	var err error
	if *req.Enabled {
		err = h.panel.StartVoice(r.Context())
	} else {
		err = h.panel.StopVoice(r.Context())
	}
	if err != nil {
		h.respondPanelError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.panel.Snapshot())
}

func (h *Handler) handleSelectProduct(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if err := h.panel.SelectProduct(r.Context(), productID); err != nil {
		h.respondPanelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCart(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		utils.RespondError(w, http.StatusNotImplemented, "storefront not configured")
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.store.Cart())
}

func (h *Handler) handleSelection(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		utils.RespondError(w, http.StatusNotImplemented, "storefront not configured")
		return
	}
	product, ok := h.store.Selected()
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no product selected")
		return
	}
	utils.RespondJSON(w, http.StatusOK, product)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, sessionResponse{SessionID: h.panel.SessionID()})
}

func (h *Handler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.panel.ClearSession(r.Context()); err != nil {
		h.respondPanelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondPanelError 把面板错误映射为 HTTP 状态码
func (h *Handler) respondPanelError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, assistant.ErrUnknownProduct), errors.Is(err, storefront.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, assistant.ErrNotOpen), errors.Is(err, assistant.ErrNoMicrophone):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrQueueFull),
		errors.Is(err, audio.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("assistant request failed", zap.Error(err))
	}
	utils.RespondError(w, status, err.Error())
}
