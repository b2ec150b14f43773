package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/54b3r/ppta-go/internal/logging"
)

// Store persists the ordered turns of a session.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds turns to the end of sessionID's history.
	Append(ctx context.Context, sessionID string, turns ...Turn) error

	// Recent returns at most n of the newest turns of sessionID, oldest first.
	// An unknown or expired session yields an empty slice.
	Recent(ctx context.Context, sessionID string, n int) ([]Turn, error)

	// Close releases any resources held by the store.
	Close() error
}

// Conversation couples a Coordinator with a Store so callers only pass a
// session id instead of re-sending prior turns.
type Conversation struct {
	coord *Coordinator
	store Store
}

// NewConversation returns a Conversation backed by store.
func NewConversation(coord *Coordinator, store Store) (*Conversation, error) {
	if coord == nil {
		return nil, fmt.Errorf("session: coordinator must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("session: store must not be nil")
	}
	return &Conversation{coord: coord, store: store}, nil
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Continue answers message within sessionID. The trailing window is loaded
// from the store; after a successful reply both the user and assistant turns
// are appended. A failed write is logged, not returned: the reply is still
// valid for the caller.
func (c *Conversation) Continue(ctx context.Context, sessionID, message string, diag *DiagnosticContext, opts ...TurnOption) (Turn, error) {
	log := logging.FromContext(ctx)

	history, err := c.store.Recent(ctx, sessionID, c.coord.Window())
	if err != nil {
		return Turn{}, fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, sessionID, err)
	}

	reply, err := c.coord.HandleTurn(ctx, history, message, diag, opts...)
	if err != nil {
		return Turn{}, err
	}

	user := Turn{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   strings.TrimSpace(message),
		CreatedAt: reply.CreatedAt,
	}
	if err := c.store.Append(ctx, sessionID, user, reply); err != nil {
		log.Warn("history: failed to persist turns", logging.Err(err))
	}
	return reply, nil
}
