package transfer

import (
	"errors"
	"sync"
	"testing"
)

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		path  []State
		valid bool
	}{
		{"upload lifecycle", KindUpload, []State{StateJoining, StateStreaming, StateFinishing, StateCompleted}, true},
		{"upload stream without join", KindUpload, []State{StateStreaming}, false},
		{"upload complete without finishing", KindUpload, []State{StateJoining, StateStreaming, StateCompleted}, false},
		{"upload idle to finishing", KindUpload, []State{StateFinishing}, false},
		{"upload joining to completed", KindUpload, []State{StateJoining, StateCompleted}, false},
		{"failed via transition", KindUpload, []State{StateJoining, StateFailed}, false},
		{"download lifecycle", KindDownload, []State{StateStreaming, StateCompleted}, true},
		{"download never joins", KindDownload, []State{StateJoining}, false},
		{"download never finishes", KindDownload, []State{StateStreaming, StateFinishing}, false},
		{"completed is terminal", KindDownload, []State{StateStreaming, StateCompleted, StateStreaming}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("a", tt.kind)
			var err error
			for _, next := range tt.path {
				if err = s.Transition(next); err != nil {
					break
				}
			}
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestSessionFailIsSingleFlight(t *testing.T) {
	s := NewSession("a", KindUpload)
	if err := s.Transition(StateJoining); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Fail(errors.New("boom")) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if s.State() != StateFailed || !s.Errored() {
		t.Fatalf("expected failed errored session, got %s", s.State())
	}
}

func TestSessionFailAfterCompletion(t *testing.T) {
	s := NewSession("a", KindDownload)
	_ = s.Transition(StateStreaming)
	_ = s.Transition(StateCompleted)
	if s.Fail(errors.New("late")) {
		t.Fatal("completed session must not fail")
	}
	if s.State() != StateCompleted {
		t.Fatalf("state changed to %s", s.State())
	}
}

func TestSessionProgressMonotonic(t *testing.T) {
	s := NewSession("a", KindUpload)
	if got := s.SetProgress(0.5); got != 0.5 {
		t.Fatalf("got %v", got)
	}
	if got := s.SetProgress(0.2); got != 0.5 {
		t.Fatalf("progress went backwards: %v", got)
	}
	if got := s.SetProgress(3); got != 1 {
		t.Fatalf("progress not clamped: %v", got)
	}
}

func TestSessionAdvance(t *testing.T) {
	s := NewSession("a", KindUpload)
	s.Advance(4)
	s.Advance(-1)
	if got := s.Advance(2); got != 6 {
		t.Fatalf("expected offset 6, got %d", got)
	}
}

func TestRegistryAcquireRelease(t *testing.T) {
	r := NewRegistry()
	s, release, err := r.Acquire("a", KindUpload)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Acquire("a", KindUpload); !errors.Is(err, ErrTransferActive) {
		t.Fatalf("expected ErrTransferActive, got %v", err)
	}
	if got, ok := r.Get("a"); !ok || got != s {
		t.Fatal("expected active session")
	}
	if _, releaseB, err := r.Acquire("b", KindDownload); err != nil {
		t.Fatal(err)
	} else {
		releaseB()
	}

	release()
	release()
	if r.Count() != 0 {
		t.Fatalf("expected no active sessions, got %d", r.Count())
	}
	if _, release2, err := r.Acquire("a", KindUpload); err != nil {
		t.Fatalf("reacquire: %v", err)
	} else {
		release2()
	}
}
