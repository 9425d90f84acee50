package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"msg_client/client/sync/service"
)

// Handler exposes the sync engine to the UI layer over a local HTTP API:
// commands as POSTs, conversation views as GETs, and a websocket feed of
// view updates per conversation.
type Handler struct {
	engine *service.Engine
}

func NewHandler(engine *service.Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleFeed)

	api := r.Group("/api/v1")
	{
		api.GET("/status", h.status)
		api.GET("/conversations", h.listConversations)
		api.POST("/conversations/refresh", h.refreshConversations)
		api.POST("/conversations/:id/open", h.openConversation)
		api.POST("/conversations/:id/close", h.closeConversation)
		api.GET("/conversations/:id", h.getConversation)
		api.POST("/conversations/:id/messages", h.sendMessage)
		api.POST("/conversations/:id/messages/:clientMsgId/retry", h.retrySend)
		api.POST("/conversations/:id/read", h.markAllRead)
	}
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		ConnState: h.engine.ConnState(),
		UserID:    h.engine.LocalUserID(),
	})
}

func (h *Handler) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, ConversationListResponse{Items: h.engine.Conversations()})
}

func (h *Handler) refreshConversations(c *gin.Context) {
	h.engine.RefreshConversations()
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) openConversation(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrConversationRequired))
		return
	}
	h.engine.OpenConversation(c.Request.Context(), conversationID)
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) closeConversation(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrConversationRequired))
		return
	}
	h.engine.CloseConversation(c.Request.Context(), conversationID)
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) getConversation(c *gin.Context) {
	view, err := h.engine.View(strings.TrimSpace(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrConversationNotOpen))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) sendMessage(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(req.Body) == "" && req.AttachmentPath == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrBodyRequired))
		return
	}
	msg, err := h.engine.SendMessage(c.Request.Context(), conversationID, req.Body, req.AttachmentPath)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, service.ErrConversationNotOpen):
			status = http.StatusNotFound
		case errors.Is(err, service.ErrDuplicateSend):
			status = http.StatusConflict
		}
		c.JSON(status, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, SendMessageResponse{Message: msg})
}

func (h *Handler) retrySend(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	clientMsgID := strings.TrimSpace(c.Param("clientMsgId"))
	if err := h.engine.RetrySend(c.Request.Context(), conversationID, clientMsgID); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, service.ErrConversationNotOpen), errors.Is(err, service.ErrMessageNotFound):
			status = http.StatusNotFound
		}
		c.JSON(status, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) markAllRead(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	if err := h.engine.MarkAllRead(c.Request.Context(), conversationID); err != nil {
		if errors.Is(err, service.ErrConversationNotOpen) {
			c.JSON(http.StatusNotFound, NewErrorResponse(ErrConversationNotOpen))
			return
		}
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleFeed streams coalesced conversation view updates to the UI until
// either side closes.
func (h *Handler) handleFeed(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Query("conversation_id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrConversationRequired))
		return
	}
	updates, cancel, err := h.engine.Subscribe(conversationID)
	if err != nil {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrConversationNotOpen))
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		return
	}
	defer func() {
		cancel()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the current view immediately so the UI does not wait for the
	// next change.
	if view, err := h.engine.View(conversationID); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(view); err != nil {
			return
		}
	}
	for {
		select {
		case <-done:
			return
		case view, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(view); err != nil {
				return
			}
		}
	}
}
