package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Persona    string
	Style      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// apiError is the JSON error envelope the API answers with.
type apiError struct {
	Status    int    `json:"-"`
	Code      string `json:"error_code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlchat API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")
	sessionID := fs.String("session", "", "reuse an existing session instead of creating one")
	persona := fs.String("persona", defaults.Persona, "persona for new sessions")
	raw := fs.Bool("raw", false, "print answers without markdown rendering")
	style := fs.String("style", firstNonEmpty(defaults.Style, "auto"), "glamour style (auto, dark, light, notty)")
	showSQL := fs.Bool("show-sql", false, "print the generated SQL when the persona reveals it")
	dbDriver := fs.String("db-driver", "", "connect the session to this database driver first")
	dbHost := fs.String("db-host", "", "database host")
	dbPort := fs.String("db-port", "", "database port")
	dbUser := fs.String("db-user", "", "database user")
	dbPassword := fs.String("db-password", "", "database password")
	dbName := fs.String("db-name", "", "database name")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: *timeout}
	}
	c := &client{http: httpClient, baseURL: strings.TrimRight(*baseURL, "/"), apiKey: strings.TrimSpace(*apiKey)}

	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health", "ready":
		var body any
		if err := c.do(ctx, http.MethodGet, "/v1/"+command, nil, &body); err != nil {
			_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
			return 1
		}
		formatted, _ := json.MarshalIndent(body, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(formatted))
		return 0
	case "schema", "ask":
	case "end":
		if *sessionID == "" {
			_, _ = fmt.Fprintln(stderr, "end requires -session")
			return 2
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+*sessionID, nil, nil); err != nil {
			_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
	if command == "ask" && question == "" {
		_, _ = fmt.Fprintln(stderr, "ask requires a question")
		return 2
	}

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		var created struct {
			ID string `json:"id"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{"persona": *persona}, &created); err != nil {
			_, _ = fmt.Fprintf(stderr, "create session: %v\n", err)
			return 1
		}
		id = created.ID
		_, _ = fmt.Fprintf(stderr, "session: %s\n", id)
	}

	if *dbHost != "" || *dbName != "" {
		connect := map[string]string{
			"driver":   *dbDriver,
			"host":     *dbHost,
			"port":     *dbPort,
			"user":     *dbUser,
			"password": *dbPassword,
			"database": *dbName,
		}
		if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/connect", connect, nil); err != nil {
			_, _ = fmt.Fprintf(stderr, "connect: %v\n", err)
			return 1
		}
	}

	if command == "schema" {
		var body struct {
			Schema string `json:"schema"`
		}
		if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id+"/schema", nil, &body); err != nil {
			_, _ = fmt.Fprintf(stderr, "schema: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, body.Schema)
		return 0
	}

	var reply struct {
		Answer string `json:"answer"`
		SQL    string `json:"sql"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"question": question}, &reply); err != nil {
		_, _ = fmt.Fprintf(stderr, "ask: %v\n", err)
		return 1
	}

	text := reply.Answer
	if *showSQL && reply.SQL != "" {
		text += "\n\n```sql\n" + reply.SQL + "\n```"
	}
	if *raw {
		_, _ = fmt.Fprintln(stdout, text)
		return 0
	}
	rendered, err := renderMarkdown(text, *style)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "render answer: %v\n", err)
		_, _ = fmt.Fprintln(stdout, text)
		return 0
	}
	_, _ = fmt.Fprint(stdout, rendered)
	return 0
}

func renderMarkdown(text, style string) (string, error) {
	options := []glamour.TermRendererOption{glamour.WithWordWrap(100)}
	if style == "" || style == "auto" {
		options = append(options, glamour.WithAutoStyle())
	} else {
		options = append(options, glamour.WithStandardStyle(style))
	}
	renderer, err := glamour.NewTermRenderer(options...)
	if err != nil {
		return "", err
	}
	return renderer.Render(text)
}

func (c *client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		failure := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, failure) != nil {
			failure.Message = strings.TrimSpace(string(raw))
		}
		return failure
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlchatctl [flags] <command> [question]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health           GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready            GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema           print the schema text the assistant sees")
	_, _ = fmt.Fprintln(w, "  ask <question>   ask one question and print the answer")
	_, _ = fmt.Fprintln(w, "  end              delete the session given by -session")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
