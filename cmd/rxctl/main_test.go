package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
	grpcserver "github.com/and161185/rxportal/internal/server/grpc"
	"github.com/and161185/rxportal/internal/session"
	"github.com/and161185/rxportal/internal/unread"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("RXPORTAL_SESSION_TOKEN", "")
	return filepath.Join(dir, "rxportal")
}

func Test_tokenPath_UnderXDG(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_tokenStore(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	fi, err := os.Stat(tokenPath())
	if err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", fi, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}

	t.Setenv("RXPORTAL_SESSION_TOKEN", "from-env")
	if tok, err := loadToken(); err != nil || tok != "from-env" {
		t.Fatalf("env token: %q %v", tok, err)
	}
}

func Test_readKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(keyPath, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	blank := filepath.Join(dir, "blank.key")
	if err := os.WriteFile(blank, []byte("\n\t\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		path    string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "file trimmed", path: keyPath, want: "s3cret"},
		{name: "stdin", path: "-", stdin: "from-pipe\n", want: "from-pipe"},
		{name: "blank file", path: blank, wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "nope"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readKey(tc.path, strings.NewReader(tc.stdin))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got key %q", got)
				}
				return
			}
			if err != nil || string(got) != tc.want {
				t.Fatalf("readKey: %q %v", got, err)
			}
		})
	}
}

func Test_printJSON_TokenFile(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	if err := printJSON(&buf, tokenFile{AccessToken: "jwt", ExpiresAt: exp}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	want := "{\n  \"access_token\": \"jwt\",\n  \"expires_at\": \"2026-03-01T12:00:00Z\"\n}\n"
	if buf.String() != want {
		t.Fatalf("got %q\nwant %q", buf.String(), want)
	}
}

func Test_transportCreds(t *testing.T) {
	t.Parallel()

	secure := bearerCreds{token: "jwt-1", secure: true}
	md, err := secure.GetRequestMetadata(context.Background(), "/rxportal.v1.Diagnostics/DumpState")
	if err != nil || md["authorization"] != "Bearer jwt-1" {
		t.Fatalf("metadata: %v %v", md, err)
	}
	if !secure.RequireTransportSecurity() || (bearerCreds{token: "jwt-1"}).RequireTransportSecurity() {
		t.Fatalf("transport security flag follows secure")
	}

	badCA := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(badCA, []byte("-----BEGIN NOTHING-----"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		ca       string
		insecure bool
		ok       bool
	}{
		{insecure: true, ok: true},
		{ok: true},
		{ca: badCA},
		{ca: badCA + ".missing"},
	} {
		creds, err := loadTLS(tc.ca, tc.insecure)
		if tc.ok != (err == nil && creds != nil) {
			t.Fatalf("loadTLS(%q, %v): %v %v", tc.ca, tc.insecure, creds, err)
		}
	}
}

func Test_mintToken(t *testing.T) {
	t.Parallel()

	key := []byte("k")
	staff := "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11"
	tok, exp, err := mintToken(key, staff, "loc-1", time.Hour)
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Fatalf("expiry too early: %v", exp)
	}
	s, err := session.Parse(tok, key)
	if err != nil || s.StaffID.String() != staff || s.LocationID != "loc-1" {
		t.Fatalf("Parse: %+v %v", s, err)
	}

	if _, _, err := mintToken(key, "nope", "", time.Hour); err == nil {
		t.Fatalf("want error on bad staff id")
	}
	if _, _, err := mintToken(nil, "", "", time.Hour); err == nil {
		t.Fatalf("want error on empty key")
	}
}

type stubEngine struct{}

func (stubEngine) Snapshot() portal.Snapshot {
	return portal.Snapshot{Phase: portal.PhaseReady, Selected: "c1", Conversations: []model.Conversation{{ID: "c1"}}}
}
func (stubEngine) LoadConversationList(context.Context) ([]model.Conversation, error) {
	return []model.Conversation{{ID: "c1"}, {ID: "c2"}}, nil
}

type stubCounter struct{}

func (stubCounter) Subscribe(context.Context) (int, <-chan int, func()) { return 6, nil, func() {} }
func (stubCounter) ForceRefresh(context.Context) (int, error)           { return 7, nil }
func (stubCounter) Snapshot() unread.State                              { return unread.State{Total: 6} }

func Test_runDiag(t *testing.T) {
	key := []byte("k")
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.AuthUnary(key)))
	grpcserver.Register(gs, grpcserver.New(stubEngine{}, stubCounter{}))
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()
	c := grpcserver.NewClient(cc)

	tok, _, err := mintToken(key, "", "", time.Hour)
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)

	for cmd, want := range map[string]string{"unread": "6\n", "refresh": "7\n", "reload": "2\n"} {
		var buf bytes.Buffer
		if err := runDiag(ctx, c, cmd, &buf); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		if buf.String() != want {
			t.Fatalf("%s: got %q want %q", cmd, buf.String(), want)
		}
	}

	var buf bytes.Buffer
	if err := runDiag(ctx, c, "dump", &buf); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("dump is not json: %v\n%s", err, buf.String())
	}
	if out["engine"].(map[string]any)["selected"] != "c1" {
		t.Fatalf("dump content: %s", buf.String())
	}

	if err := runDiag(ctx, c, "bogus", &buf); err == nil {
		t.Fatalf("want error on unknown command")
	}
	if err := runDiag(context.Background(), c, "unread", &buf); err == nil {
		t.Fatalf("want error without a token")
	}
}
