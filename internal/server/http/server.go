// Package httpserver serves the staff UI API: REST endpoints over the sync
// engine, WebSocket streams of engine and unread changes, the inbound SMS
// webhook and the metrics endpoint.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
	"github.com/and161185/rxportal/internal/session"
	"github.com/and161185/rxportal/internal/unread"
)

// Engine is the sync engine surface the UI API drives.
type Engine interface {
	Snapshot() portal.Snapshot
	Subscribe(ctx context.Context) (<-chan portal.Event, func())
	LoadConversationList(ctx context.Context) ([]model.Conversation, error)
	SelectConversation(ctx context.Context, id string, mode portal.SelectMode) error
	Deselect()
	SendMessage(ctx context.Context, conversationID, text string, typ model.MessageType) (model.Message, error)
	SendBroadcast(ctx context.Context, conversationID, text string, mediaURLs []string) (portal.BroadcastResult, error)
	DeleteConversation(ctx context.Context, id string) error
	OpenContact(ctx context.Context, ref string) (*model.Conversation, error)
}

// Inbound stores messages received from the SMS gateway.
type Inbound interface {
	ReceiveInbound(ctx context.Context, from, body string, media []string) (model.Message, error)
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Engine  Engine
	Unread  unread.Counter
	Inbound Inbound
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// SigningKey verifies staff session tokens.
	SigningKey []byte
	// WebhookKey authenticates the inbound SMS webhook; empty disables it.
	WebhookKey string
	Now        func() time.Time
}

const staffLocal = "staff"

// Server holds the handlers of the UI API.
type Server struct {
	d   Deps
	log *zap.Logger
}

// New builds the fiber application with every route registered.
func New(d Deps, log *zap.Logger) *fiber.App {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{d: d, log: log.Named("http")}

	app := fiber.New(fiber.Config{
		AppName:               "rxportal",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(s.accessLog)

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics))
	}
	if d.WebhookKey != "" && d.Inbound != nil {
		app.Post("/webhooks/sms", s.inboundSMS)
	}

	api := app.Group("/api", s.auth)
	api.Get("/state", s.state)
	api.Get("/conversations", s.listConversations)
	api.Post("/conversations/reload", s.reloadConversations)
	api.Post("/conversations/:id/select", s.selectConversation)
	api.Delete("/selection", s.deselect)
	api.Post("/conversations/:id/messages", s.sendMessage)
	api.Post("/conversations/:id/broadcast", s.sendBroadcast)
	api.Delete("/conversations/:id", s.deleteConversation)
	api.Post("/contacts/:ref/open", s.openContact)
	api.Get("/unread", s.unreadTotal)
	api.Post("/unread/refresh", s.refreshUnread)

	ws := api.Group("/ws", upgradeOnly)
	ws.Get("/events", s.eventsSocket())
	ws.Get("/unread", s.unreadSocket())

	return app
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	// paths only; query strings may carry tokens
	s.log.Debug("http",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("dur", time.Since(start)),
	)
	return err
}

// auth accepts "Authorization: Bearer <JWT>" or, for WebSocket upgrades that
// cannot set headers, an access_token query parameter.
func (s *Server) auth(c *fiber.Ctx) error {
	tok, err := session.Bearer(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		tok = c.Query("access_token")
	}
	if tok == "" {
		return errs.ErrUnauthorized
	}
	st, err := session.Parse(tok, s.d.SigningKey)
	if err != nil {
		return err
	}
	c.Locals(staffLocal, st)
	return c.Next()
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, errs.ErrDeleted):
		return fiber.StatusGone
	case errors.Is(err, errs.ErrNotBroadcast), errors.Is(err, errs.ErrAlreadyExists):
		return fiber.StatusConflict
	case errors.Is(err, errs.ErrFeedUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, errs.ErrDeliveryFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case strings.Contains(err.Error(), "validation:"):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}
