package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// memStore is a minimal in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	turns     map[string][]Turn
	appendErr error
	recentErr error
}

func newMemStore() *memStore { return &memStore{turns: make(map[string][]Turn)} }

func (m *memStore) Append(_ context.Context, id string, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns[id] = append(m.turns[id], turns...)
	return nil
}

func (m *memStore) Recent(_ context.Context, id string, n int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	all := m.turns[id]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]Turn(nil), all...), nil
}

func (m *memStore) Close() error { return nil }

func TestConversation_ContinuePersistsTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	comp := &recordingCompleter{reply: "reply"}
	conv, err := NewConversation(newCoordinator(t, Config{Completer: comp, Window: 5}), store)
	if err != nil {
		t.Fatal(err)
	}

	id := NewSessionID()
	for i := 1; i <= 4; i++ {
		if _, err := conv.Continue(ctx, id, fmt.Sprintf("question %d", i), nil); err != nil {
			t.Fatalf("Continue %d: %v", i, err)
		}
	}

	stored := store.turns[id]
	if len(stored) != 8 {
		t.Fatalf("stored %d turns, want 8", len(stored))
	}
	if stored[6].Role != RoleUser || stored[6].Content != "question 4" || stored[7].Role != RoleAssistant {
		t.Errorf("unexpected tail: %+v %+v", stored[6], stored[7])
	}

	// The fourth prompt sees only the five most recent stored turns.
	prompt := comp.lastPrompt(t)
	if strings.Contains(prompt, "question 1") {
		t.Error("turn outside the window reached the prompt")
	}
	if !strings.Contains(prompt, "question 3") {
		t.Error("recent turn missing from prompt")
	}
}

func TestConversation_AppendFailureIsNotSurfaced(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.appendErr = errors.New("disk full")
	conv, _ := NewConversation(newCoordinator(t, Config{Completer: &recordingCompleter{reply: "ok"}}), store)

	got, err := conv.Continue(context.Background(), "s1", "hello", nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if got.Content != "ok" {
		t.Errorf("Content = %q", got.Content)
	}
}

func TestConversation_Errors(t *testing.T) {
	t.Parallel()
	coord := newCoordinator(t, Config{Completer: &recordingCompleter{err: errors.New("boom")}})

	if _, err := NewConversation(nil, newMemStore()); err == nil {
		t.Error("expected nil coordinator error")
	}
	if _, err := NewConversation(coord, nil); err == nil {
		t.Error("expected nil store error")
	}

	store := newMemStore()
	conv, _ := NewConversation(coord, store)
	if _, err := conv.Continue(context.Background(), "s1", "hello", nil); !errors.Is(err, ErrGenerationFailed) {
		t.Errorf("err = %v, want ErrGenerationFailed", err)
	}
	if len(store.turns["s1"]) != 0 {
		t.Error("turns persisted after a failed generation")
	}

	store.recentErr = errors.New("redis down")
	if _, err := conv.Continue(context.Background(), "s1", "hello", nil); !errors.Is(err, ErrHistoryUnavailable) {
		t.Errorf("err = %v, want ErrHistoryUnavailable", err)
	}
}
