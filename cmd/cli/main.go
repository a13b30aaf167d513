// Command mk is a CLI client for the mailkeeper REST API.
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
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mailkeeper/internal/convert"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "mailkeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mailkeeper")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run: mk token -set <jwt>)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp without verifying the signature; the server does that.
func tokenExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// ---- http client ----

// apiError is a decoded error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d: code=%s msg=%s", e.Status, e.Code, e.Message)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(addr, token string) *client {
	return &client{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out (when non-nil).
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func emailsPath(user string) string {
	return "/v1/users/" + url.PathEscape(user) + "/emails"
}

func (c *client) list(ctx context.Context, user, start string, n int) (convert.PageDTO, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if n > 0 {
		q.Set("itemsPerPage", strconv.Itoa(n))
	}
	p := emailsPath(user)
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var page convert.PageDTO
	err := c.do(ctx, http.MethodGet, p, nil, &page)
	return page, err
}

func (c *client) get(ctx context.Context, user, id string) (convert.EmailDTO, error) {
	var env struct {
		Data convert.EmailDTO `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, emailsPath(user)+"/"+url.PathEscape(id), nil, &env)
	return env.Data, err
}

func (c *client) add(ctx context.Context, user, address string) (convert.EmailDTO, error) {
	var env struct {
		Data convert.EmailDTO `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, emailsPath(user), convert.AddEmailRequest{Email: address}, &env)
	return env.Data, err
}

func (c *client) remove(ctx context.Context, user, id string) error {
	return c.do(ctx, http.MethodDelete, emailsPath(user)+"/"+url.PathEscape(id), nil, nil)
}

func (c *client) resend(ctx context.Context, user, id string) error {
	return c.do(ctx, http.MethodPost, emailsPath(user)+"/"+url.PathEscape(id)+"/resend", nil, nil)
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `mk CLI
Usage:
  mk [-addr URL] [-user ID|me] <cmd> [args]

Commands:
  version
  token   -set <jwt>                      (saves token)
  list    [-start <cursor>] [-n <items per page>]
  get     -id <email id>
  add     -email <address>
  rm      -id <email id>
  resend  -id <email id>
`)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	gfs := flag.NewFlagSet("mk", flag.ContinueOnError)
	gfs.SetOutput(stderr)
	addr := gfs.String("addr", "http://localhost:8080", "server base URL")
	user := gfs.String("user", "me", "account id whose emails to manage")
	gfs.Usage = func() { usage(stderr) }
	if err := gfs.Parse(args); err != nil {
		return 2
	}
	if gfs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fail := func(err error) int {
		fmt.Fprintln(stderr, err)
		return 1
	}
	authed := func() (*client, error) {
		tok, err := loadToken()
		if err != nil {
			return nil, err
		}
		return newClient(*addr, tok), nil
	}
	idFlag := func(name string) (string, bool) {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		id := fs.String("id", "", "email id (uuid)")
		if fs.Parse(rest) != nil {
			return "", false
		}
		if *id == "" {
			fmt.Fprintln(stderr, "need -id")
			return "", false
		}
		return *id, true
	}

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "mk %s (%s)\n", version, buildDate)

	case "token":
		fs := flag.NewFlagSet("token", flag.ContinueOnError)
		fs.SetOutput(stderr)
		set := fs.String("set", "", "bearer token")
		if fs.Parse(rest) != nil {
			return 2
		}
		if *set == "" {
			fmt.Fprintln(stderr, "need -set")
			return 2
		}
		exp, err := tokenExpiry(*set)
		if err != nil {
			return fail(err)
		}
		if err := saveToken(*set, exp); err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, "ok")

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(stderr)
		start := fs.String("start", "", "cursor from the previous page's next")
		n := fs.Int("n", 0, "items per page (server default if 0)")
		if fs.Parse(rest) != nil {
			return 2
		}
		c, err := authed()
		if err != nil {
			return fail(err)
		}
		page, err := c.list(ctx, *user, *start, *n)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, page)

	case "get":
		id, ok := idFlag("get")
		if !ok {
			return 2
		}
		c, err := authed()
		if err != nil {
			return fail(err)
		}
		e, err := c.get(ctx, *user, id)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, e)

	case "add":
		fs := flag.NewFlagSet("add", flag.ContinueOnError)
		fs.SetOutput(stderr)
		address := fs.String("email", "", "address to add")
		if fs.Parse(rest) != nil {
			return 2
		}
		if *address == "" {
			fmt.Fprintln(stderr, "need -email")
			return 2
		}
		c, err := authed()
		if err != nil {
			return fail(err)
		}
		e, err := c.add(ctx, *user, *address)
		if err != nil {
			return fail(err)
		}
		printJSON(stdout, e)

	case "rm":
		id, ok := idFlag("rm")
		if !ok {
			return 2
		}
		c, err := authed()
		if err != nil {
			return fail(err)
		}
		if err := c.remove(ctx, *user, id); err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, "ok")

	case "resend":
		id, ok := idFlag("resend")
		if !ok {
			return 2
		}
		c, err := authed()
		if err != nil {
			return fail(err)
		}
		if err := c.resend(ctx, *user, id); err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, "ok")

	default:
		usage(stderr)
		return 2
	}
	return 0
}
