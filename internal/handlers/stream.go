package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// StreamHandler pushes execution status changes to clients.
type StreamHandler struct {
	executions *services.ExecutionService
	events     *services.EventHub
	log        *zap.SugaredLogger
}

// NewStreamHandler creates a new StreamHandler instance.
func NewStreamHandler(executions *services.ExecutionService, events *services.EventHub, log *zap.SugaredLogger) *StreamHandler {
	return &StreamHandler{executions: executions, events: events, log: logger.OrNop(log).Named("stream")}
}

// Stream sends one execution's status as server-sent events until it is
// terminal or the client goes away.
func (h *StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")

	// Subscribe before reading so a change between the two is not lost.
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id, ch)

	exec, err := h.executions.GetExecutionByID(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("status", exec)
	if exec.Status.IsTerminal() {
		c.SSEvent("complete", exec)
		c.Writer.Flush()
		return
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("status", ev.Execution)
			if ev.Terminal() {
				c.SSEvent("complete", ev.Execution)
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Events upgrades to a WebSocket carrying every execution change.
func (h *StreamHandler) Events(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ch := h.events.SubscribeAll()
	defer h.events.Unsubscribe("", ch)
	h.log.Debugw("event feed connected", "remote", c.ClientIP())

	// The client sends nothing; reading only detects that it left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				h.log.Debugw("event feed write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
