package sms

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap/zaptest"
)

type gatewayStub struct {
	mu   sync.Mutex
	got  []sendBody
	auth []string
}

func startGateway(t *testing.T, fail map[string]bool) (*Client, *gatewayStub) {
	t.Helper()
	stub := &gatewayStub{}
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		var b sendBody
		_ = json.Unmarshal(ctx.PostBody(), &b)
		stub.mu.Lock()
		stub.got = append(stub.got, b)
		stub.auth = append(stub.auth, string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
		stub.mu.Unlock()

		ctx.SetContentType("application/json")
		if fail[b.To] {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(`{"error":"unreachable handset"}`)
			return
		}
		ctx.SetBodyString(`{"id":"sm-` + b.To[len(b.To)-4:] + `","status":"queued"}`)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return NewClient("http://gateway.test/", "k-123", zaptest.NewLogger(t), WithHTTPClient(hc)), stub
}

func TestClient_Send_PerRecipientResults(t *testing.T) {
	c, stub := startGateway(t, map[string]bool{"+15550000002": true})

	res, err := c.Send(context.Background(), Request{
		To:   []string{"(555) 000-0001", "+1 555 000 0002", "12"},
		Body: "Your prescription is ready",
		From: "+15559990000",
	})
	require.NoError(t, err)
	require.Len(t, res, 3)

	require.True(t, res[0].OK)
	require.Equal(t, "+15550000001", res[0].To)
	require.Equal(t, "sm-0001", res[0].ProviderID)

	require.False(t, res[1].OK)
	require.ErrorContains(t, res[1].Err, "unreachable handset")

	require.False(t, res[2].OK)
	require.Equal(t, 1, Delivered(res))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.got, 2)
	require.Equal(t, "+15559990000", stub.got[0].From)
	require.Equal(t, "Bearer k-123", stub.auth[0])
}

func TestClient_Send_Validation(t *testing.T) {
	c := NewClient("http://unused", "", nil)
	_, err := c.Send(context.Background(), Request{Body: "x"})
	require.ErrorContains(t, err, "validation")
	_, err = c.Send(context.Background(), Request{To: []string{"5550000001"}})
	require.ErrorContains(t, err, "validation")
}

func TestClient_Send_Canceled(t *testing.T) {
	c, _ := startGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Send(ctx, Request{To: []string{"5550000001"}, Body: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLogGateway(t *testing.T) {
	res, err := LogGateway{Log: zaptest.NewLogger(t)}.Send(context.Background(), Request{To: []string{"5550000001"}, MediaURLs: []string{"https://x/y.png"}})
	require.NoError(t, err)
	require.Equal(t, 1, Delivered(res))
	require.Equal(t, "+15550000001", res[0].To)
}
