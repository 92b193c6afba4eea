// Package assistant runs one conversational turn: fetch the schema, ask the
// model for SQL, execute it, and ask the model to phrase the answer.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sqlchat/sqlchat/internal/audit"
	"github.com/sqlchat/sqlchat/internal/conversation"
	"github.com/sqlchat/sqlchat/internal/database"
	"github.com/sqlchat/sqlchat/internal/llm"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/prompt"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/schema"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

const (
	msgNoConnection = "no database connection; connect to a database first"
	msgInvalidQuery = "the generated output is not a valid SQL query"
	msgNotReadOnly  = "the generated query is not a read-only statement"
)

// Opener opens a database from user supplied connection fields.
type Opener func(ctx context.Context, cfg database.Config) (*database.Handle, error)

type Options struct {
	Personas prompt.Personas
	// DefaultPersona is used when a session is created without one.
	DefaultPersona string
	Fetcher        schema.Fetcher
	Completer      llm.Completer
	Executor       query.Executor
	// ValidateSQL enables the heuristic check between generation and
	// execution.
	ValidateSQL       bool
	MaxQuestionLength int
	// ConnectDefaults supplies pool limits for connections opened by Connect.
	ConnectDefaults database.Config
	// AllowFileDatabases lets Connect open sqlite and duckdb files on the
	// server's filesystem.
	AllowFileDatabases bool
	Open               Opener
	Recorder           audit.Recorder
	Logger             *slog.Logger
	Now                func() time.Time
}

type Service struct {
	personas  prompt.Personas
	fallback  string
	builders  map[string]*prompt.Builder
	fetcher   schema.Fetcher
	completer llm.Completer
	executor  query.Executor
	validate  bool
	maxLen    int
	defaults  database.Config
	allowFile bool
	open      Opener
	recorder  audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Reply is the outcome of a successful turn. SQL is always filled in;
// RevealSQL says whether the persona allows showing it to the user.
type Reply struct {
	Answer    string
	SQL       string
	RevealSQL bool
	Result    query.Result
	Turns     []conversation.Turn
}

func New(opts Options) (*Service, error) {
	if opts.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if len(opts.Personas) == 0 {
		return nil, fmt.Errorf("at least one persona is required")
	}
	builders := make(map[string]*prompt.Builder, len(opts.Personas))
	for name, persona := range opts.Personas {
		builder, err := prompt.NewBuilder(persona)
		if err != nil {
			return nil, err
		}
		builders[name] = builder
	}
	if opts.Open == nil {
		opts.Open = database.Open
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		personas:  opts.Personas,
		fallback:  opts.DefaultPersona,
		builders:  builders,
		fetcher:   opts.Fetcher,
		completer: opts.Completer,
		executor:  opts.Executor,
		validate:  opts.ValidateSQL,
		maxLen:    opts.MaxQuestionLength,
		defaults:  opts.ConnectDefaults,
		allowFile: opts.AllowFileDatabases,
		open:      opts.Open,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// Persona resolves a persona name; empty selects the default persona.
func (s *Service) Persona(name string) (prompt.Persona, error) {
	if strings.TrimSpace(name) == "" {
		name = s.fallback
	}
	persona, err := s.personas.Get(name)
	if err != nil {
		return prompt.Persona{}, newError(CodeInvalidInput, err.Error(), err)
	}
	return persona, nil
}

// Ask runs one turn for session. The session's history changes only when
// every step succeeds.
func (s *Service) Ask(ctx context.Context, session *conversation.Session, question string) (reply Reply, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(CodeOf(err))
			if outcome == "" {
				outcome = "internal"
			}
		}
		observability.ObserveTurn(outcome)
	}()

	question = strings.TrimSpace(question)
	if question == "" {
		return Reply{}, newError(CodeInvalidInput, "question is required", nil)
	}
	if s.maxLen > 0 && utf8.RuneCountInString(question) > s.maxLen {
		return Reply{}, newError(CodeInvalidInput, fmt.Sprintf("question must be at most %d characters", s.maxLen), nil)
	}

	session.Lock()
	defer session.Unlock()

	builder, ok := s.builders[session.Persona]
	if !ok {
		return Reply{}, newError(CodeInvalidInput, fmt.Sprintf("unknown persona %q", session.Persona), nil)
	}
	handle := session.Connection()
	if handle == nil {
		return Reply{}, newError(CodeConnection, msgNoConnection, nil)
	}
	logger := observability.LoggerFrom(ctx, s.logger).With(slog.String("persona", session.Persona))

	schemaText, err := s.fetchSchema(ctx, handle)
	if err != nil {
		return Reply{}, err
	}

	input := prompt.Input{
		Schema:   schemaText,
		History:  session.History.Transcript(),
		Question: question,
	}
	sqlPrompt, err := builder.SQLPrompt(input)
	if err != nil {
		return Reply{}, fmt.Errorf("build sql prompt: %w", err)
	}
	raw, err := s.complete(ctx, "sql", sqlPrompt)
	if err != nil {
		return Reply{}, err
	}
	sqlText := sqlguard.ExtractSQL(raw)
	logger.DebugContext(ctx, "sql generated", slog.String("sql", sqlText))

	entry := audit.Entry{
		SessionID: session.ID,
		Subject:   session.Owner,
		Persona:   session.Persona,
		Question:  question,
		SQL:       sqlText,
		At:        s.now().UTC(),
	}

	if s.validate && !sqlguard.LooksLikeSQL(sqlText) {
		classified := newError(CodeInvalidQuery, msgInvalidQuery, nil)
		s.record(ctx, entry, classified)
		return Reply{}, classified
	}

	result, err := s.executor.Execute(ctx, handle, sqlText)
	observability.ObserveQuery(result.Duration, err)
	entry.Rows = len(result.Rows)
	entry.DurationMs = result.Duration.Milliseconds()
	if err != nil {
		var classified *Error
		if errors.Is(err, query.ErrNotReadOnly) {
			classified = newError(CodeInvalidQuery, msgNotReadOnly, err)
		} else {
			classified = newError(CodeExecution, "error executing the SQL query: "+rootMessage(err), err)
		}
		s.record(ctx, entry, classified)
		return Reply{}, classified
	}
	s.record(ctx, entry, nil)

	input.Query = sqlText
	input.Response = result.Text()
	answerPrompt, err := builder.AnswerPrompt(input)
	if err != nil {
		return Reply{}, fmt.Errorf("build answer prompt: %w", err)
	}
	answer, err := s.complete(ctx, "answer", answerPrompt)
	if err != nil {
		return Reply{}, err
	}
	answer = strings.TrimSpace(answer)

	session.History.Exchange(question, answer, s.now().UTC())
	logger.InfoContext(ctx, "turn answered",
		slog.Int("rows", len(result.Rows)),
		slog.Bool("truncated", result.Truncated),
		slog.Int("turns", session.History.Len()),
	)

	return Reply{
		Answer:    answer,
		SQL:       sqlText,
		RevealSQL: builder.Persona().RevealSQL,
		Result:    result,
		Turns:     session.History.Turns(),
	}, nil
}

// Connect opens a connection from user supplied fields and hands it to the
// session, closing the connection it owned before. History is not touched.
func (s *Service) Connect(ctx context.Context, session *conversation.Session, cfg database.Config) error {
	dialect, err := database.DialectFor(cfg.Driver)
	if err != nil {
		return newError(CodeInvalidInput, err.Error(), err)
	}
	if dialect.FileBased && !s.allowFile {
		return newError(CodeInvalidInput, fmt.Sprintf("connecting to %s databases is disabled", dialect.Name), nil)
	}
	cfg.Driver = dialect.Name
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = s.defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = s.defaults.MaxIdleConns
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = s.defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = s.defaults.ConnMaxLifetime
	}

	handle, err := s.open(ctx, cfg)
	if err != nil {
		observability.LoggerFrom(ctx, s.logger).WarnContext(ctx, "session connect failed",
			slog.String("driver", dialect.Name),
			slog.String("error", err.Error()),
		)
		return newError(CodeConnection, "could not connect to the database: "+rootMessage(err), err)
	}

	session.Lock()
	previous := session.Attach(handle)
	session.Unlock()
	if previous != nil {
		if err := previous.Close(); err != nil {
			observability.LoggerFrom(ctx, s.logger).WarnContext(ctx, "close previous connection failed", slog.String("error", err.Error()))
		}
	}
	observability.LoggerFrom(ctx, s.logger).InfoContext(ctx, "session connected", slog.String("target", handle.Target()))
	return nil
}

// Schema returns the schema text the next turn would see.
func (s *Service) Schema(ctx context.Context, session *conversation.Session) (string, error) {
	session.Lock()
	defer session.Unlock()

	handle := session.Connection()
	if handle == nil {
		return "", newError(CodeConnection, msgNoConnection, nil)
	}
	return s.fetchSchema(ctx, handle)
}

func (s *Service) fetchSchema(ctx context.Context, handle *database.Handle) (string, error) {
	start := time.Now()
	text, err := s.fetcher.Fetch(ctx, handle)
	observability.ObserveSchemaFetch(time.Since(start))
	if err != nil {
		return "", newError(CodeConnection, "could not read the database schema: "+rootMessage(err), err)
	}
	return text, nil
}

func (s *Service) complete(ctx context.Context, stage, promptText string) (string, error) {
	start := time.Now()
	out, err := s.completer.Complete(ctx, promptText)
	if err == nil && strings.TrimSpace(out) == "" {
		err = llm.ErrEmptyCompletion
	}
	observability.ObserveModelCall(stage, time.Since(start), err)
	if err != nil {
		return "", newError(CodeGeneration, "the language model call failed", fmt.Errorf("%s generation: %w", stage, err))
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry, err *Error) {
	entry.Outcome = "ok"
	if err != nil {
		entry.Outcome = string(err.Code)
		entry.Error = err.Message
	}
	s.recorder.Record(ctx, entry)
}
