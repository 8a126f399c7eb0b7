package transport

import (
	"time"

	"github.com/faize-ai/world/internal/protocol"
)

// Session is one connection to the agent. It is destroyed on disconnect;
// a reconnect produces a new Session with a new ID and the same
// ContextID.
type Session struct {
	ID           string
	ContextID    string
	Kind         Kind
	Endpoint     string
	Capabilities protocol.Capabilities
	CreatedAt    time.Time
	// Attempts lists every strategy tried before this one succeeded, and
	// the successful attempt last.
	Attempts []Attempt

	*Conn
}

// Info is the serializable view of a Session.
type Info struct {
	ID           string                `json:"id"`
	ContextID    string                `json:"context_id"`
	Kind         Kind                  `json:"kind"`
	Endpoint     string                `json:"endpoint"`
	Capabilities protocol.Capabilities `json:"capabilities"`
	CreatedAt    time.Time             `json:"created_at"`
	Attempts     []Attempt             `json:"attempts"`
}

func (s *Session) Info() Info {
	return Info{
		ID:           s.ID,
		ContextID:    s.ContextID,
		Kind:         s.Kind,
		Endpoint:     s.Endpoint,
		Capabilities: s.Capabilities,
		CreatedAt:    s.CreatedAt,
		Attempts:     s.Attempts,
	}
}
