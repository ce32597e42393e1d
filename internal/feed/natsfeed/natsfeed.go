// Package natsfeed carries the change feed over NATS JetStream. It is both a
// feed.Source for agents and a relay that republishes another source into the stream.
package natsfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/rxportal/internal/feed"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Defaults for the change stream.
const (
	DefaultStream  = "RXPORTAL_CHANGES"
	DefaultSubject = "rxportal.changes"
)

// Config describes the connection and stream.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Client is a JetStream-backed feed source and publisher.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	log    *zap.Logger
}

// Connect dials NATS and ensures the change stream exists.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubject
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("rxportal"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsfeed: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsfeed: jetstream: %w", err)
	}

	_, err = js.Stream(ctx, cfg.Stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.Stream,
			Description: "row change events",
			Subjects:    []string{cfg.SubjectPrefix + ".>"},
			MaxAge:      cfg.MaxAge,
			Storage:     jetstream.FileStorage,
		})
		if err == nil {
			log.Info("natsfeed: stream created", zap.String("stream", cfg.Stream))
		}
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsfeed: stream %s: %w", cfg.Stream, err)
	}

	return &Client{nc: nc, js: js, stream: cfg.Stream, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Subject returns the subject an event is published on: <prefix>.<table>.<type>.
func Subject(prefix string, e feed.Event) string {
	return prefix + "." + e.Table + "." + strings.ToLower(string(e.Type))
}

// Publish writes one event to the stream.
func (c *Client) Publish(ctx context.Context, e feed.Event) error {
	b, err := feed.Encode(e)
	if err != nil {
		return err
	}
	subj := Subject(c.prefix, e)
	if _, err := c.js.Publish(ctx, subj, b); err != nil {
		return fmt.Errorf("natsfeed: publish %s: %w", subj, err)
	}
	return nil
}

// Listen consumes new events from an ephemeral consumer until ctx is done or the
// consumer fails.
func (c *Client) Listen(ctx context.Context, ready func(), emit func(feed.Event)) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		FilterSubject:     c.prefix + ".>",
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("natsfeed: consumer: %w", err)
	}

	fatal := make(chan error, 1)
	cc, err := cons.Consume(func(m jetstream.Msg) {
		e, err := feed.Decode(m.Data())
		if err != nil {
			c.log.Warn("natsfeed: bad payload", zap.String("subject", m.Subject()), zap.Error(err))
			return
		}
		emit(e)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if isFatal(err) {
			select {
			case fatal <- err:
			default:
			}
			return
		}
		c.log.Debug("natsfeed: consume", zap.Error(err))
	}))
	if err != nil {
		return fmt.Errorf("natsfeed: consume: %w", err)
	}
	defer cc.Stop()
	ready()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return fmt.Errorf("natsfeed: %w", err)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrNoHeartbeat) ||
		errors.Is(err, nats.ErrConnectionClosed)
}

// Relay republishes every event of src into the stream until ctx is done.
// Publish failures are logged and the event is skipped.
func (c *Client) Relay(ctx context.Context, src feed.Source) error {
	return src.Listen(ctx, func() {
		c.log.Info("natsfeed: relay attached", zap.String("stream", c.stream))
	}, func(e feed.Event) {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Publish(pctx, e); err != nil {
			c.log.Warn("natsfeed: relay publish", zap.Error(err))
		}
	})
}
