// Package conversation holds per-session chat state. Nothing here is
// persisted.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sqlchat/sqlchat/internal/database"
)

type Role int

const (
	RoleAI Role = iota + 1
	RoleHuman
)

func (r Role) String() string {
	switch r {
	case RoleAI:
		return "AI"
	case RoleHuman:
		return "Human"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	switch r {
	case RoleAI:
		return []byte(`"ai"`), nil
	case RoleHuman:
		return []byte(`"human"`), nil
	default:
		return nil, fmt.Errorf("unknown role %d", int(r))
	}
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToLower(raw) {
	case "ai":
		*r = RoleAI
	case "human":
		*r = RoleHuman
	default:
		return fmt.Errorf("unknown role %q", raw)
	}
	return nil
}

type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// History is append-only. The zero value is an empty history.
type History struct {
	turns []Turn
}

func NewHistory(greeting string, at time.Time) History {
	var h History
	if strings.TrimSpace(greeting) != "" {
		h.turns = append(h.turns, Turn{Role: RoleAI, Text: greeting, At: at})
	}
	return h
}

// Exchange appends one question and its answer together.
func (h *History) Exchange(question, answer string, at time.Time) {
	h.turns = append(h.turns,
		Turn{Role: RoleHuman, Text: question, At: at},
		Turn{Role: RoleAI, Text: answer, At: at},
	)
}

func (h History) Len() int {
	return len(h.turns)
}

// Turns returns a copy.
func (h History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Transcript renders one "Role: text" line per turn for prompts.
func (h History) Transcript() string {
	lines := make([]string, 0, len(h.turns))
	for _, turn := range h.turns {
		lines = append(lines, turn.Role.String()+": "+turn.Text)
	}
	return strings.Join(lines, "\n")
}

// Session is the explicit per-user context handed to each request. Callers
// hold Lock for the duration of a turn.
type Session struct {
	mu sync.Mutex

	ID        string
	Owner     string
	Persona   string
	CreatedAt time.Time
	History   History

	conn     *database.Handle
	ownsConn bool
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Connection returns the handle queries run against, or nil.
func (s *Session) Connection() *database.Handle {
	return s.conn
}

// UseShared points the session at a handle it must not close.
func (s *Session) UseShared(handle *database.Handle) {
	s.conn = handle
	s.ownsConn = false
}

// Attach hands ownership of handle to the session and returns the previously
// owned handle, if any, for the caller to close.
func (s *Session) Attach(handle *database.Handle) *database.Handle {
	var previous *database.Handle
	if s.ownsConn {
		previous = s.conn
	}
	s.conn = handle
	s.ownsConn = true
	return previous
}

// Release detaches the connection and closes it when the session owns it.
func (s *Session) Release() error {
	conn, owned := s.conn, s.ownsConn
	s.conn = nil
	s.ownsConn = false
	if owned && conn != nil {
		return conn.Close()
	}
	return nil
}
