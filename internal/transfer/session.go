package transfer

import (
	"fmt"
	"sync"
)

// State is the lifecycle stage of a transfer session.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateStreaming
	StateFinishing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateStreaming:
		return "streaming"
	case StateFinishing:
		return "finishing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Kind selects the lifecycle a session follows.
type Kind int

const (
	// KindUpload sessions join a sub-channel and finish it explicitly.
	KindUpload Kind = iota
	// KindDownload sessions stream straight from idle to completion.
	KindDownload
)

var transitions = map[Kind]map[State][]State{
	KindUpload: {
		StateIdle:      {StateJoining},
		StateJoining:   {StateStreaming},
		StateStreaming: {StateFinishing},
		StateFinishing: {StateCompleted},
	},
	KindDownload: {
		StateIdle:      {StateStreaming},
		StateStreaming: {StateCompleted},
	},
}

// Session is the mutable state of one transfer. Failure goes through Fail,
// which succeeds at most once.
type Session struct {
	mu       sync.Mutex
	ref      string
	kind     Kind
	state    State
	offset   int64
	progress float64
	errored  bool
	err      error
}

// NewSession returns an idle session of the given kind for ref.
func NewSession(ref string, kind Kind) *Session {
	return &Session{ref: ref, kind: kind}
}

// Ref returns the entry reference the session belongs to.
func (s *Session) Ref() string {
	return s.ref
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next. Moving to Failed is only possible through Fail.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.kind][s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
}

// Fail records err and moves the session to Failed. It returns true only for
// the call that flipped the errored flag; the caller that gets true owns the
// failure side effects. Terminal sessions are not affected.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errored || s.state.Terminal() {
		return false
	}
	s.errored = true
	s.err = err
	s.state = StateFailed
	return true
}

// Errored reports whether the failure path has run.
func (s *Session) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// Err returns the recorded failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Advance adds n acknowledged bytes to the offset and returns the new offset.
func (s *Session) Advance(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.offset += n
	}
	return s.offset
}

// Offset returns the acknowledged byte offset.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// SetProgress records p if it is not below the current progress and returns
// the stored value. Values are clamped to [0,1].
func (s *Session) SetProgress(p float64) float64 {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.progress {
		s.progress = p
	}
	return s.progress
}

// Progress returns the current progress fraction.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}
