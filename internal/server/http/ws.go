package httpserver

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/portal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 512
)

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// watch reads (and discards) client frames so pongs and close frames are seen;
// the returned context ends when the peer goes away.
func watch(conn *websocket.Conn) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return ctx
}

// pump writes every value received on ch until ctx ends or a write fails.
func pump[T any](ctx context.Context, conn *websocket.Conn, ch <-chan T, render func(T) any) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return nil
			}
			if err := conn.WriteJSON(render(v)); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

type eventFrame struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          *stateDTO `json:"state,omitempty"`
}

// eventsSocket streams engine notifications. Each frame carries the current
// state so a client never has to poll.
func (s *Server) eventsSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()
		ctx := watch(conn)
		events, cancel := s.d.Engine.Subscribe(ctx)
		defer cancel()

		initial := s.stateOut(s.d.Engine.Snapshot())
		if err := conn.WriteJSON(eventFrame{Kind: "state", State: &initial}); err != nil {
			return
		}
		err := pump(ctx, conn, events, func(ev portal.Event) any {
			st := s.stateOut(s.d.Engine.Snapshot())
			return eventFrame{Kind: string(ev.Kind), ConversationID: ev.ConversationID, State: &st}
		})
		if err != nil {
			s.log.Debug("events socket closed", zap.Error(err))
		}
	})
}

type unreadFrame struct {
	Total int `json:"total"`
}

// unreadSocket streams the unread aggregate, starting with the current value.
func (s *Server) unreadSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()
		ctx := watch(conn)
		total, updates, cancel := s.d.Unread.Subscribe(ctx)
		defer cancel()

		if err := conn.WriteJSON(unreadFrame{Total: total}); err != nil {
			return
		}
		if err := pump(ctx, conn, updates, func(n int) any { return unreadFrame{Total: n} }); err != nil {
			s.log.Debug("unread socket closed", zap.Error(err))
		}
	})
}
