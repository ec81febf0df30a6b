package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/storymap-studio/internal/ws"
)

// Handler binds studio sessions to gateway connections.
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewHandler constructs the gateway hooks for the studio protocol.
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// Hooks returns the gateway callbacks.
func (h *Handler) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect:    h.onConnect,
		OnMessage:    h.onMessage,
		OnDisconnect: h.onDisconnect,
	}
}

func (h *Handler) onConnect(ctx context.Context, conn *ws.Connection) error {
	s, err := h.hub.Acquire(ctx, conn.SiteID())
	if err != nil {
		return err
	}
	for _, msg := range s.Snapshot() {
		if err := send(conn, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) onMessage(ctx context.Context, conn *ws.Connection, payload []byte) error {
	msg, err := DecodeClientMessage(payload)
	if err != nil {
		opsTotal.WithLabelValues("decode", "error").Inc()
		return send(conn, noticeMessage(msg.Seq, Notice{Kind: NoticeProtocol, Op: msg.Op, Message: err.Error()}))
	}

	s, ok := h.hub.Lookup(conn.SiteID())
	if !ok {
		return errors.New("studio session closed")
	}
	for _, reply := range s.Handle(ctx, msg) {
		if err := send(conn, reply); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) onDisconnect(conn *ws.Connection) {
	h.hub.Release(conn.SiteID())
}

func send(conn *ws.Connection, msg ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return conn.SendText(payload)
}
