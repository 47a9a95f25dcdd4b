package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mcpchat/internal/domain"
)

func TestHistory_SnapshotIsCopy(t *testing.T) {
	h := &History{}
	h.Append(domain.Turn{Role: domain.RoleUser, Content: "hi"})
	snap := h.Snapshot()
	snap[0].Content = "changed"

	if got := h.Snapshot(); len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("history changed through a snapshot: %+v", got)
	}
}

func TestHistory_ConcurrentAppendKeepsPairs(t *testing.T) {
	h := &History{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Append(domain.Turn{Role: domain.RoleUser}, domain.Turn{Role: domain.RoleAssistant})
			h.Snapshot()
		}()
	}
	wg.Wait()

	turns := h.Snapshot()
	if len(turns) != 100 {
		t.Fatalf("expected 100 turns, got %d", len(turns))
	}
	for i := 0; i < len(turns); i += 2 {
		if turns[i].Role != domain.RoleUser || turns[i+1].Role != domain.RoleAssistant {
			t.Fatalf("pair %d interleaved: %s, %s", i/2, turns[i].Role, turns[i+1].Role)
		}
	}
}

func TestSessionManager_GetOrCreate(t *testing.T) {
	sm := NewSessionManager(testLogger())

	a := sm.GetOrCreate("abc")
	if again := sm.GetOrCreate("abc"); again != a {
		t.Fatal("expected the same session for the same id")
	}
	fresh := sm.GetOrCreate("")
	if fresh.ID == "" || fresh.ID == "abc" {
		t.Fatalf("expected a generated id, got %q", fresh.ID)
	}
	if sm.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", sm.Len())
	}
	if _, ok := sm.Get("missing"); ok {
		t.Fatal("Get should not create sessions")
	}
}

func TestSessionManager_Delete(t *testing.T) {
	sm := NewSessionManager(testLogger())
	old := sm.GetOrCreate("abc")
	old.History.Append(domain.Turn{Role: domain.RoleUser, Content: "hi"})

	if !sm.Delete("abc") {
		t.Fatal("expected Delete to report an existing session")
	}
	if sm.Delete("abc") {
		t.Fatal("second Delete should report nothing removed")
	}
	if s := sm.GetOrCreate("abc"); s == old || s.History.Len() != 0 {
		t.Fatal("expected a fresh session after Delete")
	}
}

func TestSessionManager_ConcurrentGetOrCreate(t *testing.T) {
	sm := NewSessionManager(testLogger())
	sessions := make([]*Session, 20)
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i] = sm.GetOrCreate("shared")
		}()
	}
	wg.Wait()
	for _, s := range sessions {
		if s != sessions[0] {
			t.Fatal("concurrent callers got different sessions")
		}
	}
}

func TestSession_AcquireHonorsContext(t *testing.T) {
	s := newSession("x")
	if err := s.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while the turn is held, got %v", err)
	}
	s.release()
	if err := s.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
