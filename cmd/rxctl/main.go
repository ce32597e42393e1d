// Command rxctl is a diagnostics client for a running portald agent.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	insecurecreds "google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	grpcserver "github.com/and161185/rxportal/internal/server/grpc"
	"github.com/and161185/rxportal/internal/session"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "rxportal")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "rxportal")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return printJSON(f, tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	if v := os.Getenv("RXPORTAL_SESSION_TOKEN"); v != "" {
		return v, nil
	}
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run rxctl token)")
	}
	return tf.AccessToken, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

func dial(ctx context.Context, o dialOpts, bearer string) (*grpc.ClientConn, *grpcserver.Client, error) {
	var creds credentials.TransportCredentials
	if o.plaintext {
		creds = insecurecreds.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(o.caPath, o.insecure); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(ctx, o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// ---- utils ----

// readKey reads a signing key from a file, or stdin for "-". Surrounding
// whitespace is not part of the key.
func readKey(p string, stdin io.Reader) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if p == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(p)
	}
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty signing key")
	}
	return b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mintToken signs a development session token.
func mintToken(key []byte, staffID, locationID string, ttl time.Duration) (string, time.Time, error) {
	if len(key) == 0 {
		return "", time.Time{}, errors.New("empty signing key")
	}
	id := u.Must(u.NewV4())
	if staffID != "" {
		var err error
		if id, err = u.FromString(staffID); err != nil {
			return "", time.Time{}, fmt.Errorf("bad staff id: %w", err)
		}
	}
	tok, err := session.Issue(key, session.Staff{StaffID: id, LocationID: locationID}, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, time.Now().Add(ttl), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `rxctl
Usage:
  rxctl -addr HOST:PORT [-plaintext | -cacert file | -insecure] <cmd> [args]

Commands:
  version
  token      -key-file <file|-> [-staff <uuid>] [-loc <id>] [-ttl 12h]   (saves token)
  dump                                   (engine and unread state)
  unread                                 (tracker total, no fetch)
  refresh                                (force an authoritative unread fetch)
  reload                                 (reload the conversation list)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	var o dialOpts
	flag.StringVar(&o.addr, "addr", "127.0.0.1:9090", "agent diagnostics addr")
	flag.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&o.insecure, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&o.plaintext, "plaintext", true, "no TLS (loopback agent)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("rxctl %s (%s)\n", version, buildDate)

	case "token":
		fs := flag.NewFlagSet("token", flag.ExitOnError)
		keyFile := fs.String("key-file", "", "file with the HS256 signing key, - for stdin")
		staff := fs.String("staff", "", "staff uuid (random when empty)")
		loc := fs.String("loc", "", "location id")
		ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
		_ = fs.Parse(flag.Args()[1:])
		if *keyFile == "" {
			usage()
		}
		key, err := readKey(*keyFile, os.Stdin)
		if err != nil {
			fail(err)
		}
		tok, exp, err := mintToken(key, *staff, *loc, *ttl)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tok, exp); err != nil {
			fail(err)
		}
		_ = printJSON(os.Stdout, tokenFile{AccessToken: tok, ExpiresAt: exp})

	case "dump", "unread", "refresh", "reload":
		tok, err := loadToken()
		if err != nil {
			fail(err)
		}
		cc, c, err := dial(ctx, o, tok)
		if err != nil {
			fail(err)
		}
		defer cc.Close()
		if err := runDiag(ctx, c, cmd, os.Stdout); err != nil {
			fail(err)
		}

	default:
		usage()
	}
}

// runDiag runs one diagnostics call and writes its result to w.
func runDiag(ctx context.Context, c *grpcserver.Client, cmd string, w io.Writer) error {
	var (
		n   int64
		err error
	)
	switch cmd {
	case "dump":
		st, err := c.DumpState(ctx)
		if err != nil {
			return err
		}
		b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "unread":
		n, err = c.UnreadTotal(ctx)
	case "refresh":
		n, err = c.ForceRefresh(ctx)
	case "reload":
		n, err = c.ReloadList(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, n)
	return err
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
