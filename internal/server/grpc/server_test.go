package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
	"github.com/and161185/rxportal/internal/session"
	"github.com/and161185/rxportal/internal/unread"
)

type fakeEngine struct {
	mu      sync.Mutex
	snap    portal.Snapshot
	listErr error
	reloads int
}

func (f *fakeEngine) Snapshot() portal.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) LoadConversationList(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.snap.Conversations, nil
}

type fakeCounter struct {
	mu         sync.Mutex
	total      int
	refreshed  int
	refreshErr error
}

func (f *fakeCounter) Subscribe(context.Context) (int, <-chan int, func()) {
	ch := make(chan int)
	return f.total, ch, func() {}
}

func (f *fakeCounter) ForceRefresh(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return f.total, f.refreshErr
	}
	f.total = f.refreshed
	return f.total, nil
}

func (f *fakeCounter) Snapshot() unread.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unread.State{Total: f.total, Started: true}
}

const bufSize = 1 << 20

var signKey = []byte("secret")

func startBufGRPC(t *testing.T, srv *Server) (*Client, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	log := zaptest.NewLogger(t)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(signKey)))
	Register(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return NewClient(cc), stop
}

func authed(t *testing.T) context.Context {
	t.Helper()
	tok, err := session.Issue(signKey, session.Staff{StaffID: uuid.Must(uuid.NewV4())}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func TestDiagnostics_Unauthenticated(t *testing.T) {
	t.Parallel()

	c, stop := startBufGRPC(t, New(&fakeEngine{}, &fakeCounter{}))
	defer stop()

	_, err := c.UnreadTotal(context.Background())
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
}

func TestDiagnostics_DumpState(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{snap: portal.Snapshot{
		Phase:         portal.PhaseReady,
		Selected:      "c1",
		Conversations: []model.Conversation{{ID: "c1", UnreadCount: 3}},
	}}
	c, stop := startBufGRPC(t, New(eng, &fakeCounter{total: 3}))
	defer stop()

	st, err := c.DumpState(authed(t))
	if err != nil {
		t.Fatalf("DumpState: %v", err)
	}
	eng2 := st.GetFields()["engine"].GetStructValue().GetFields()
	if eng2["selected"].GetStringValue() != "c1" || eng2["phase"].GetStringValue() != "ready" {
		t.Fatalf("engine fields: %v", eng2)
	}
	if got := st.GetFields()["unread"].GetStructValue().GetFields()["total"].GetNumberValue(); got != 3 {
		t.Fatalf("unread total: %v", got)
	}
}

func TestDiagnostics_ForceRefreshAndTotal(t *testing.T) {
	t.Parallel()

	cnt := &fakeCounter{total: 1, refreshed: 9}
	c, stop := startBufGRPC(t, New(&fakeEngine{}, cnt))
	defer stop()
	ctx := authed(t)

	n, err := c.UnreadTotal(ctx)
	if err != nil || n != 1 {
		t.Fatalf("UnreadTotal: %d %v", n, err)
	}
	n, err = c.ForceRefresh(ctx)
	if err != nil || n != 9 {
		t.Fatalf("ForceRefresh: %d %v", n, err)
	}

	cnt.mu.Lock()
	cnt.refreshErr = errors.New("db down")
	cnt.mu.Unlock()
	_, err = c.ForceRefresh(ctx)
	if status.Code(err) != codes.Internal {
		t.Fatalf("want Internal, got %v", err)
	}
}

func TestDiagnostics_ReloadList(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{snap: portal.Snapshot{Conversations: []model.Conversation{{ID: "a"}, {ID: "b"}}}}
	c, stop := startBufGRPC(t, New(eng, &fakeCounter{}))
	defer stop()
	ctx := authed(t)

	n, err := c.ReloadList(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ReloadList: %d %v", n, err)
	}

	eng.mu.Lock()
	eng.listErr = context.DeadlineExceeded
	eng.mu.Unlock()
	_, err = c.ReloadList(ctx)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}
