package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/assistant"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/conversation"
	"github.com/sqlchat/sqlchat/internal/database"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/prompt"
)

const maxBodyBytes = 1 << 20

// Assistant is the part of *assistant.Service the handlers use.
type Assistant interface {
	Persona(name string) (prompt.Persona, error)
	Ask(ctx context.Context, session *conversation.Session, question string) (assistant.Reply, error)
	Connect(ctx context.Context, session *conversation.Session, cfg database.Config) error
	Schema(ctx context.Context, session *conversation.Session) (string, error)
}

type createSessionRequest struct {
	Persona string `json:"persona"`
}

type connectRequest struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

type messageRequest struct {
	Question string `json:"question"`
}

type sessionResponse struct {
	ID          string              `json:"id"`
	Owner       string              `json:"owner"`
	Persona     string              `json:"persona"`
	DisplayName string              `json:"display_name,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	Connected   bool                `json:"connected"`
	Target      string              `json:"target,omitempty"`
	Turns       []conversation.Turn `json:"turns"`
}

type messageResponse struct {
	Answer    string              `json:"answer"`
	SQL       string              `json:"sql,omitempty"`
	Truncated bool                `json:"truncated,omitempty"`
	Turns     []conversation.Turn `json:"turns"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sessionsConfigured(deps, w, r) {
		return
	}
	var request createSessionRequest
	if !decodeBody(w, r, &request, true) {
		return
	}
	persona, err := deps.Assistant.Persona(request.Persona)
	if err != nil {
		writeAssistantError(r.Context(), deps, w, err, nil)
		return
	}

	identity := identityFrom(r)
	session := deps.Sessions.Create(identity.Subject, persona.Name, persona.Greeting, deps.SharedDatabase)
	observability.LoggerFrom(r.Context(), deps.Logger).InfoContext(r.Context(), "session created",
		slog.String("session_id", session.ID),
		slog.String("subject", identity.Subject),
		slog.String("persona", persona.Name),
	)

	session.Lock()
	response := describeSession(session, persona)
	session.Unlock()
	writeJSON(w, http.StatusCreated, response)
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	persona, _ := deps.Assistant.Persona(session.Persona)

	session.Lock()
	response := describeSession(session, persona)
	session.Unlock()
	writeJSON(w, http.StatusOK, response)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	deps.Sessions.Delete(session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func handleConnect(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	var request connectRequest
	if !decodeBody(w, r, &request, false) {
		return
	}
	ctx := observability.ContextWithSessionID(r.Context(), session.ID)
	err := deps.Assistant.Connect(ctx, session, database.Config{
		Driver:   request.Driver,
		Host:     strings.TrimSpace(request.Host),
		Port:     strings.TrimSpace(request.Port),
		User:     strings.TrimSpace(request.User),
		Password: request.Password,
		Name:     strings.TrimSpace(request.Database),
	})
	if err != nil {
		writeAssistantError(ctx, deps, w, err, map[string]any{"session_id": session.ID})
		return
	}
	persona, _ := deps.Assistant.Persona(session.Persona)

	session.Lock()
	response := describeSession(session, persona)
	session.Unlock()
	writeJSON(w, http.StatusOK, response)
}

func handleMessage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	var request messageRequest
	if !decodeBody(w, r, &request, false) {
		return
	}
	ctx := observability.ContextWithSessionID(r.Context(), session.ID)
	reply, err := deps.Assistant.Ask(ctx, session, request.Question)
	if err != nil {
		writeAssistantError(ctx, deps, w, err, map[string]any{"session_id": session.ID})
		return
	}

	response := messageResponse{
		Answer:    reply.Answer,
		Truncated: reply.Result.Truncated,
		Turns:     reply.Turns,
	}
	if reply.RevealSQL {
		response.SQL = reply.SQL
	}
	writeJSON(w, http.StatusOK, response)
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	ctx := observability.ContextWithSessionID(r.Context(), session.ID)
	text, err := deps.Assistant.Schema(ctx, session)
	if err != nil {
		writeAssistantError(ctx, deps, w, err, map[string]any{"session_id": session.ID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": text})
}

func sessionsConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Assistant == nil || deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return false
	}
	return true
}

func lookupSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (*conversation.Session, bool) {
	if !sessionsConfigured(deps, w, r) {
		return nil, false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	session, ok := deps.Sessions.Get(id)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, map[string]any{"session_id": id})
		return nil, false
	}
	if !identityFrom(r).CanAccess(session.Owner) {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "session belongs to another subject", false, map[string]any{"session_id": id})
		return nil, false
	}
	return session, true
}

func identityFrom(r *http.Request) auth.Identity {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity
	}
	return auth.Anonymous
}

// describeSession expects the caller to hold the session lock.
func describeSession(session *conversation.Session, persona prompt.Persona) sessionResponse {
	conn := session.Connection()
	return sessionResponse{
		ID:          session.ID,
		Owner:       session.Owner,
		Persona:     session.Persona,
		DisplayName: persona.DisplayName,
		CreatedAt:   session.CreatedAt,
		Connected:   conn != nil,
		Target:      conn.Target(),
		Turns:       session.History.Turns(),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func writeAssistantError(ctx context.Context, deps Dependencies, w http.ResponseWriter, err error, extra map[string]any) {
	logger := observability.LoggerFrom(ctx, deps.Logger)
	classified, ok := assistant.AsError(err)
	if !ok {
		logger.ErrorContext(ctx, "chat request failed", slog.String("error", err.Error()))
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", false, extra)
		return
	}
	status := http.StatusInternalServerError
	switch classified.Code {
	case assistant.CodeConnection:
		status = http.StatusServiceUnavailable
	case assistant.CodeGeneration:
		status = http.StatusBadGateway
	case assistant.CodeInvalidQuery, assistant.CodeExecution:
		status = http.StatusUnprocessableEntity
	case assistant.CodeInvalidInput:
		status = http.StatusBadRequest
	}
	logger.WarnContext(ctx, "chat request rejected",
		slog.String("error_code", string(classified.Code)),
		slog.String("error", err.Error()),
	)
	writeError(ctx, w, status, string(classified.Code), classified.Message, classified.Code.Retryable(), extra)
}
