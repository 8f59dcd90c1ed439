package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/metrics"
)

// Message actions.
const (
	ActionFiring = "firing"
	ActionAck    = "ack"
	ActionAcked  = "acked"
	ActionError  = "error"
)

// ServerMessage is sent to consumers.
type ServerMessage struct {
	Action  string            `json:"action"`
	EntryID string            `json:"entry_id,omitempty"`
	ID      string            `json:"id,omitempty"`
	Firing  *delivery.Payload `json:"firing,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ClientMessage is sent by consumers. The only action is ack.
type ClientMessage struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

// Confirmer marks a firing delivered. *delivery.Router implements it.
type Confirmer interface {
	Confirm(ctx context.Context, firingID string) error
}

// HubConfig tunes websocket consumers.
type HubConfig struct {
	PollInterval time.Duration
	WriteTimeout time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{PollInterval: 2 * time.Second, WriteTimeout: 10 * time.Second}
}

// Hub serves stream consumers over websockets.
type Hub struct {
	queue    Queue
	confirm  Confirmer
	cfg      HubConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64
}

func NewHub(q Queue, confirm Confirmer, cfg HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultHubConfig().PollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultHubConfig().WriteTimeout
	}
	return &Hub{
		queue:   q,
		confirm: confirm,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connections returns the number of connected consumers.
func (h *Hub) Connections() int { return int(h.active.Load()) }

// Handle upgrades GET /users/:user/stream. The consumer query parameter
// names the device; reconnecting with the same name replays its
// unacknowledged entries.
func (h *Hub) Handle(c *gin.Context) {
	userID := c.Param("user")
	consumer := c.DefaultQuery("consumer", "default")
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}
	h.Serve(c.Request.Context(), ws, userID, consumer)
}

// Serve runs one consumer connection until either side closes it.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, userID, consumer string) {
	h.active.Add(1)
	metrics.StreamConsumerConnected(1)
	defer func() {
		h.active.Add(-1)
		metrics.StreamConsumerConnected(-1)
	}()
	log := h.logger.With(zap.String("user", userID), zap.String("consumer", consumer))
	log.Info("stream consumer connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wmu sync.Mutex
	send := func(m ServerMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return ws.WriteJSON(m)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			var m ClientMessage
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			if m.Action != ActionAck {
				if send(ServerMessage{Action: ActionError, Error: "unknown action " + m.Action}) != nil {
					return
				}
				continue
			}
			reply := ServerMessage{Action: ActionAcked, ID: m.ID}
			if err := h.ack(ctx, userID, m.ID); err != nil {
				reply.Error = err.Error()
			}
			if send(reply) != nil {
				return
			}
		}
	}()

	h.pump(ctx, log, userID, consumer, send)

	_ = ws.Close()
	<-readDone
	log.Info("stream consumer disconnected")
}

// pump sends unacknowledged entries, then new ones as they arrive.
func (h *Hub) pump(ctx context.Context, log *zap.Logger, userID, consumer string, send func(ServerMessage) error) {
	pending, err := h.queue.Pending(ctx, userID, consumer)
	if err != nil {
		log.Error("read pending entries", zap.Error(err))
		return
	}
	for _, e := range pending {
		if send(entryMessage(e)) != nil {
			return
		}
	}

	for ctx.Err() == nil {
		entries, err := h.queue.Read(ctx, userID, consumer, h.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("read stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.cfg.PollInterval):
			}
			continue
		}
		for _, e := range entries {
			if send(entryMessage(e)) != nil {
				return
			}
		}
	}
}

// ack acknowledges the entry and confirms delivery. Repeated acks
// re-confirm, which the ledger treats as a no-op.
func (h *Hub) ack(ctx context.Context, userID, firingID string) error {
	if _, err := h.queue.Ack(ctx, userID, firingID); err != nil {
		return err
	}
	if h.confirm == nil {
		return nil
	}
	if err := h.confirm.Confirm(ctx, firingID); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func entryMessage(e Entry) ServerMessage {
	p := e.Payload
	return ServerMessage{Action: ActionFiring, EntryID: e.ID, ID: p.ID, Firing: &p}
}
