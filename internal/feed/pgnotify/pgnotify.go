// Package pgnotify is a feed.Source over PostgreSQL LISTEN/NOTIFY. The payloads are
// written by the change triggers in the migrations.
package pgnotify

import (
	"context"
	"fmt"

	"github.com/and161185/rxportal/internal/feed"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DefaultChannel is the notification channel used by the change triggers.
const DefaultChannel = "rxportal_changes"

// Conn is the subset of *pgx.Conn used for listening.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Source listens on one channel over a dedicated connection.
type Source struct {
	connect func(ctx context.Context) (Conn, error)
	channel string
	log     *zap.Logger
}

// New returns a source that dials dsn for every Listen call.
func New(dsn, channel string, log *zap.Logger) *Source {
	return NewWithDialer(func(ctx context.Context) (Conn, error) {
		return pgx.Connect(ctx, dsn)
	}, channel, log)
}

// NewWithDialer returns a source using a custom connection factory.
func NewWithDialer(connect func(ctx context.Context) (Conn, error), channel string, log *zap.Logger) *Source {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{connect: connect, channel: channel, log: log}
}

func (s *Source) Listen(ctx context.Context, ready func(), emit func(feed.Event)) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("pgnotify: connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("pgnotify: listen: %w", err)
	}
	ready()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("pgnotify: wait: %w", err)
		}
		if n.Channel != s.channel {
			continue
		}
		e, err := feed.Decode([]byte(n.Payload))
		if err != nil {
			s.log.Warn("pgnotify: bad payload", zap.Error(err), zap.Int("len", len(n.Payload)))
			continue
		}
		emit(e)
	}
}
