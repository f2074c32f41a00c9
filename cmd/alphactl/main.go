// Command alphactl is the participant and operator companion to alphamarket.
// It manages signing keys, signs ledger requests and submits them.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
	"github.com/alanyoungcy/alphamarket/internal/server/middleware"
)

const usage = `usage: alphactl <command> [flags]

commands:
  keygen        print a fresh private key and its address
  encrypt-key   encrypt a private key into a key file
  address       print the address of a key
  sign          print the signature headers for a request body
  send          sign a request body and submit it
  credit        credit an account (operator secret required)
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "alphactl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return keygen(stdout)
	case "encrypt-key":
		return encryptKey(rest)
	case "address":
		return address(rest, stdout)
	case "sign":
		return sign(rest, stdin, stdout)
	case "send":
		return send(ctx, rest, stdin, stdout)
	case "credit":
		return credit(ctx, rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func keygen(stdout io.Writer) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	s, err := crypto.NewSigner(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "private_key=0x%s\naddress=%s\n", key, s.Address().Hex())
	return nil
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	key := fs.String("key", os.Getenv("ALPHA_PRIVATE_KEY"), "hex private key")
	password := fs.String("password", os.Getenv("ALPHA_KEY_PASSWORD"), "key file password")
	out := fs.String("out", "key.json", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	blob, err := crypto.EncryptKey(strings.TrimPrefix(*key, "0x"), *password)
	if err != nil {
		return err
	}
	return os.WriteFile(*out, blob, 0o600)
}

// keyFlags registers the flags that locate a signing key.
func keyFlags(fs *flag.FlagSet) *crypto.KeyConfig {
	var kc crypto.KeyConfig
	fs.StringVar(&kc.RawPrivateKey, "key", os.Getenv("ALPHA_PRIVATE_KEY"), "hex private key")
	fs.StringVar(&kc.EncryptedKeyPath, "key-file", os.Getenv("ALPHA_KEY_FILE"), "encrypted key file")
	fs.StringVar(&kc.KeyPassword, "password", os.Getenv("ALPHA_KEY_PASSWORD"), "key file password")
	return &kc
}

func loadSigner(kc *crypto.KeyConfig) (*crypto.Signer, error) {
	key, err := crypto.LoadKey(*kc)
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(key)
}

func address(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	kc := keyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := loadSigner(kc)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, s.Address().Hex())
	return nil
}

type requestFlags struct {
	keys   *crypto.KeyConfig
	method *string
	path   *string
	body   *string
}

func newRequestFlags(fs *flag.FlagSet) requestFlags {
	return requestFlags{
		keys:   keyFlags(fs),
		method: fs.String("method", http.MethodPost, "HTTP method"),
		path:   fs.String("path", "", "request path, e.g. /api/models"),
		body:   fs.String("body", "-", "body file, - for stdin"),
	}
}

// signed returns the body and the signature headers for it.
func (f requestFlags) signed(stdin io.Reader, now time.Time) ([]byte, map[string]string, error) {
	if *f.path == "" {
		return nil, nil, errors.New("-path is required")
	}
	s, err := loadSigner(f.keys)
	if err != nil {
		return nil, nil, err
	}
	var body []byte
	if *f.body == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(*f.body)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)

	ts := now.Unix()
	sig, err := s.SignRequest(*f.method, *f.path, ts, body)
	if err != nil {
		return nil, nil, err
	}
	return body, map[string]string{
		middleware.HeaderAddress:   s.Address().Hex(),
		middleware.HeaderTimestamp: fmt.Sprint(ts),
		middleware.HeaderSignature: sig,
	}, nil
}

func sign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	rf := newRequestFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, headers, err := rf.signed(stdin, time.Now())
	if err != nil {
		return err
	}
	for _, h := range []string{middleware.HeaderAddress, middleware.HeaderTimestamp, middleware.HeaderSignature} {
		fmt.Fprintf(stdout, "%s: %s\n", h, headers[h])
	}
	return nil
}

func send(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	rf := newRequestFlags(fs)
	server := fs.String("server", envOr("ALPHA_SERVER", "http://localhost:8000"), "server base URL")
	apiKey := fs.String("api-key", os.Getenv("ALPHA_API_KEY"), "server API key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body, headers, err := rf.signed(stdin, time.Now())
	if err != nil {
		return err
	}
	if *apiKey != "" {
		headers["X-API-Key"] = *apiKey
	}
	return do(ctx, *rf.method, *server+*rf.path, body, headers, stdout)
}

func credit(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("credit", flag.ContinueOnError)
	server := fs.String("server", envOr("ALPHA_SERVER", "http://localhost:8000"), "server base URL")
	apiKey := fs.String("api-key", os.Getenv("ALPHA_API_KEY"), "server API key")
	secret := fs.String("secret", os.Getenv("ALPHA_OPERATOR_SECRET"), "operator secret")
	account := fs.String("account", "", "account to credit")
	amount := fs.String("amount", "", "decimal amount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" || *amount == "" {
		return errors.New("-account and -amount are required")
	}
	body, err := json.Marshal(map[string]string{"account": *account, "amount": *amount})
	if err != nil {
		return err
	}
	const path = "/api/admin/credit"
	headers := crypto.OperatorAuth{Secret: *secret}.HeadersAt(http.MethodPost, path, body, time.Now().Unix())
	if *apiKey != "" {
		headers["X-API-Key"] = *apiKey
	}
	return do(ctx, http.MethodPost, *server+path, body, headers, stdout)
}

func do(ctx context.Context, method, url string, body []byte, headers map[string]string, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, strings.TrimSpace(string(out)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
