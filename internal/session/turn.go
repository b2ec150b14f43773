// Package session implements the conversational core of ppta: a
// [Coordinator] turns one user message plus a bounded window of prior turns
// into an assistant reply grounded in retrieved manual excerpts, and a
// [Conversation] persists those turns in a [Store] keyed by session id.
package session

import (
	"errors"
	"strings"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	// RoleUser is a turn written by the operator.
	RoleUser Role = "user"
	// RoleAssistant is a turn produced by the completion provider.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var (
	// ErrEmptyMessage is returned when the new message is blank after trimming.
	ErrEmptyMessage = errors.New("session: message must not be empty")

	// ErrGenerationFailed is returned when the completion provider errors or
	// produces no text. No reply is fabricated in that case.
	ErrGenerationFailed = errors.New("session: generation failed")

	// ErrHistoryUnavailable is returned when the session store cannot be read.
	ErrHistoryUnavailable = errors.New("session: history unavailable")
)

// Turn is one immutable exchange unit in a conversation.
type Turn struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	References []string  `json:"references,omitempty"`
}

// DiagnosticContext describes the equipment problem a conversation is about.
// Every field is optional.
type DiagnosticContext struct {
	Engine      string `json:"engine,omitempty"`
	AlarmType   string `json:"alarm,omitempty"`
	Description string `json:"description,omitempty"`
}

// Empty reports whether d carries no usable information.
func (d *DiagnosticContext) Empty() bool {
	return d == nil || len(d.fields()) == 0
}

// fields returns the non-blank values in engine, alarm, description order.
func (d *DiagnosticContext) fields() []string {
	if d == nil {
		return nil
	}
	var out []string
	for _, v := range []string{d.Engine, d.AlarmType, d.Description} {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Mode selects the system instructions used for a turn.
type Mode string

const (
	ModeGeneral         Mode = "general"
	ModeTroubleshooting Mode = "troubleshooting"
	ModeTraining        Mode = "training"
	ModeRCA             Mode = "rca"
	ModeFMEA            Mode = "fmea"
	ModeFishbone        Mode = "fishbone"
	ModeHistorical      Mode = "historical"
)

// ParseMode maps a client-supplied mode onto a known Mode. Unknown or empty
// values fall back to ModeGeneral.
func ParseMode(s string) Mode {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeInstructions[m]; ok {
		return m
	}
	return ModeGeneral
}
