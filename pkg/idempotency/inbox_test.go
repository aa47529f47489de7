package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: map[string]*Entry{}, now: now}
}

func (m *memStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) Start(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status, e.UpdatedAt = StatusStarted, m.now()
		return nil
	}
	m.entries[key] = &Entry{IdempotencyKey: key, HandlerName: handler, Status: StatusStarted, Payload: payload,
		CreatedAt: m.now(), UpdatedAt: m.now(), ExpiresAt: &expiresAt}
	return nil
}

func (m *memStore) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.Status, e.UpdatedAt = status, m.now()
	if result != nil {
		e.Result = result
	}
	return nil
}

func (m *memStore) DeleteExpired(context.Context) (int64, error) { return 0, nil }

var errTerminal = errors.New("patient not found")

func newTestInbox(store Store, now func() time.Time) *Inbox {
	cfg := DefaultConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errTerminal) }
	in := NewInbox(store, cfg, nil)
	in.now = now
	return in
}

func TestGenerateKeyNormalises(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 12, 0, time.UTC)
	a := GenerateKey("dr-1", "pt-1", "Bacterial  Respiratory infection", ts)
	b := GenerateKey("dr-1", "pt-1", "bacterial respiratory infection ", ts.Add(40*time.Second))
	if a != b {
		t.Fatal("same actor, patient, intent and minute must share a key")
	}
	if a == GenerateKey("dr-2", "pt-1", "bacterial respiratory infection", ts) {
		t.Error("different actors share a key")
	}
	if a == GenerateKey("dr-1", "pt-1", "bacterial respiratory infection", ts.Add(time.Minute)) {
		t.Error("different minutes share a key")
	}
}

func TestProcessRunsOnce(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	in := newTestInbox(newMemStore(now), now)
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"audit_id":"a-1"}`), nil
	}

	first, err := in.Process(context.Background(), "k", "recommend", nil, fn)
	if err != nil || !first.IsNew {
		t.Fatalf("first = %+v err = %v", first, err)
	}
	second, err := in.Process(context.Background(), "k", "recommend", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || second.IsNew || string(second.Result) != `{"audit_id":"a-1"}` {
		t.Fatalf("calls = %d second = %+v", calls, second)
	}
}

func TestRecoverableErrorsRetryAndTerminalErrorsStick(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	in := newTestInbox(newMemStore(now), now)

	flaky := errors.New("stock timeout")
	_, err := in.Process(context.Background(), "retry", "recommend", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, flaky
	})
	if !errors.Is(err, flaky) {
		t.Fatalf("err = %v", err)
	}
	res, err := in.Process(context.Background(), "retry", "recommend", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || !res.WasRecovered {
		t.Fatalf("recovered = %+v err = %v", res, err)
	}

	_, _ = in.Process(context.Background(), "dead", "recommend", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errTerminal
	})
	_, err = in.Process(context.Background(), "dead", "recommend", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("terminal failure reprocessed")
		return nil, nil
	})
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestStaleStartedEntryIsRecovered(t *testing.T) {
	current := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	store := newMemStore(now)
	in := newTestInbox(store, now)

	_ = store.Start(context.Background(), "k", "recommend", nil, current.Add(time.Hour))
	if _, err := in.Process(context.Background(), "k", "recommend", nil, nil); !errors.Is(err, ErrMessageInProgress) {
		t.Fatalf("fresh STARTED entry: %v", err)
	}

	current = current.Add(10 * time.Minute)
	res, err := in.Process(context.Background(), "k", "recommend", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || !res.WasRecovered {
		t.Fatalf("res = %+v err = %v", res, err)
	}
}
