package gateway

import (
	"sync/atomic"
)

// State is the connectivity state of the session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateReady
	StateResuming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session holds the single gateway session's state. The manager's run
// goroutine is the sole writer; everything else reads through the accessors.
type session struct {
	state     atomic.Int32
	seq       atomic.Int64
	epoch     atomic.Int64
	sessionID atomic.Value // string
	resumeURL atomic.Value // string
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *session) Seq() int64 {
	return s.seq.Load()
}

// advanceSeq records a dispatch sequence number. The counter is monotonically
// non-decreasing: a resume's redelivered tail never rolls it back.
func (s *session) advanceSeq(seq int64) {
	for {
		cur := s.seq.Load()
		if seq <= cur {
			return
		}
		if s.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Epoch counts fresh identifies. Consumers use it to tell a restarted
// sequence space apart from a resumed one.
func (s *session) Epoch() int64 {
	return s.epoch.Load()
}

// beginEpoch marks the start of a fresh identify.
func (s *session) beginEpoch() {
	s.epoch.Add(1)
}

func (s *session) SessionID() string {
	if v, ok := s.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

func (s *session) setSessionID(id string) {
	s.sessionID.Store(id)
}

func (s *session) ResumeURL() string {
	if v, ok := s.resumeURL.Load().(string); ok {
		return v
	}
	return ""
}

func (s *session) setResumeURL(url string) {
	s.resumeURL.Store(url)
}

// resumable reports whether a resume attempt makes sense: we need a session
// id and at least one acknowledged sequence number.
func (s *session) resumable() bool {
	return s.SessionID() != "" && s.Seq() > 0
}

// invalidate drops resume state so the next connect performs a fresh
// identify.
func (s *session) invalidate() {
	s.sessionID.Store("")
	s.resumeURL.Store("")
	s.seq.Store(0)
}
