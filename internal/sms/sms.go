// Package sms sends outbound SMS/MMS through an HTTP gateway. Every recipient is
// an independent request with its own result.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/rxportal/internal/limiter"
	"github.com/and161185/rxportal/internal/model"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Request is one authored message to one or more numbers.
type Request struct {
	To        []string
	Body      string
	MediaURLs []string
	From      string
}

// Result is the delivery outcome for one recipient.
type Result struct {
	To         string
	OK         bool
	ProviderID string
	Err        error
}

// Gateway sends messages.
type Gateway interface {
	Send(ctx context.Context, req Request) ([]Result, error)
}

// Validate checks a request before any recipient is attempted.
func (r Request) Validate() error {
	if len(r.To) == 0 {
		return errors.New("validation: no recipients")
	}
	if strings.TrimSpace(r.Body) == "" && len(r.MediaURLs) == 0 {
		return errors.New("validation: empty message")
	}
	return nil
}

// Delivered counts successful results.
func Delivered(rs []Result) int {
	n := 0
	for _, r := range rs {
		if r.OK {
			n++
		}
	}
	return n
}

// Client is a Gateway over a JSON HTTP API: POST {base}/messages with a bearer key.
type Client struct {
	http    *fasthttp.Client
	baseURL string
	apiKey  string
	lim     limiter.Limiter
	timeout time.Duration
	log     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(c *fasthttp.Client) Option { return func(cl *Client) { cl.http = c } }

// WithLimiter throttles sends per recipient.
func WithLimiter(l limiter.Limiter) Option { return func(cl *Client) { cl.lim = l } }

// WithTimeout sets the per-request timeout used when ctx has no deadline.
func WithTimeout(d time.Duration) Option { return func(cl *Client) { cl.timeout = d } }

// NewClient constructs a gateway client.
func NewClient(baseURL, apiKey string, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		http: &fasthttp.Client{
			Name:                "rxportal",
			MaxConnsPerHost:     16,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: time.Minute,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: 10 * time.Second,
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type sendBody struct {
	To        string   `json:"to"`
	From      string   `json:"from,omitempty"`
	Body      string   `json:"body,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type sendReply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Send delivers req to every recipient in order. Per-recipient failures are
// reported in the results; the error return is only for invalid requests and
// cancellation.
func (c *Client) Send(ctx context.Context, req Request) ([]Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	from := toE164(req.From)
	out := make([]Result, 0, len(req.To))
	for _, raw := range req.To {
		to := toE164(raw)
		if to == "" {
			out = append(out, Result{To: raw, Err: errors.New("validation: bad phone number")})
			continue
		}
		if c.lim != nil {
			if err := c.lim.Wait(ctx, to); err != nil {
				return out, err
			}
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		id, err := c.post(ctx, sendBody{To: to, From: from, Body: req.Body, MediaURLs: req.MediaURLs})
		if err != nil {
			c.log.Warn("sms: recipient failed", zap.String("to_suffix", suffix(to)), zap.Error(err))
			out = append(out, Result{To: to, Err: err})
			continue
		}
		out = append(out, Result{To: to, OK: true, ProviderID: id})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, body sendBody) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/messages")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.apiKey != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.apiKey)
	}
	req.SetBodyRaw(payload)

	if dl, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, dl)
	} else {
		err = c.http.DoTimeout(req, resp, c.timeout)
	}
	if err != nil {
		return "", fmt.Errorf("sms: transport: %w", err)
	}

	var reply sendReply
	_ = json.Unmarshal(resp.Body(), &reply)
	if code := resp.StatusCode(); code < 200 || code > 299 {
		if reply.Error != "" {
			return "", fmt.Errorf("sms: gateway %d: %s", code, reply.Error)
		}
		return "", fmt.Errorf("sms: gateway status %d", code)
	}
	if strings.EqualFold(reply.Status, "failed") {
		return "", fmt.Errorf("sms: gateway rejected: %s", reply.Error)
	}
	return reply.ID, nil
}

// LogGateway accepts every message without sending it. It backs development runs
// with no gateway configured.
type LogGateway struct{ Log *zap.Logger }

func (g LogGateway) Send(_ context.Context, req Request) ([]Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(req.To))
	for _, to := range req.To {
		if g.Log != nil {
			g.Log.Info("sms: dry run", zap.String("to_suffix", suffix(to)), zap.Int("media", len(req.MediaURLs)))
		}
		out = append(out, Result{To: toE164(to), OK: true})
	}
	return out, nil
}

func toE164(s string) string {
	d := model.NormalizePhone(s)
	switch {
	case len(d) < 7:
		return ""
	case len(d) == 10:
		return "+1" + d
	default:
		return "+" + d
	}
}

func suffix(n string) string {
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}
