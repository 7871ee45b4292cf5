package main

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type sessionState int

// States advance monotonically; only a terminal state may roll over
// into receiving for the next turn.
const (
	stateIdle sessionState = iota
	stateReceiving
	stateGenerating
	stateComplete
	stateError
)

type chatMessage struct {
	Role string // user, assistant, system, tool
	Text string
}

type session struct {
	mu           sync.Mutex
	state        sessionState
	inbound      map[int]string // base32 payload labels by chunk index
	inboundTotal int
	history      []chatMessage
	outbound     []string
	lastTouch    time.Time
	cancel       context.CancelFunc
}

type inboundResult int

const (
	inboundPending inboundResult = iota
	inboundComplete
	inboundConflict
	inboundInvalid
	inboundDropped
)

type readResult int

const (
	readChunk readResult = iota
	readNotYet
	readPastEnd
)

// Store is the only shared mutable state on the server: sid → session,
// written by the wire handler and one orchestrator goroutine per
// session, read by concurrent get/cnt handlers.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ttl      time.Duration
	logger   *log.Logger
}

func NewStore(ttl time.Duration, logger *log.Logger) *Store {
	return &Store{
		sessions: make(map[string]*session),
		ttl:      ttl,
		logger:   logger.With("component", "store"),
	}
}

func (s *Store) get(sid string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sid]
	return sess, ok
}

// Touch looks up or creates a session and refreshes its idle clock.
func (s *Store) Touch(sid string) *session {
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	if !ok {
		sess = &session{inbound: make(map[int]string), lastTouch: time.Now()}
		s.sessions[sid] = sess
		s.logger.Debug("session created", "sid", sid)
	}
	s.mu.Unlock()

	sess.mu.Lock()
	sess.lastTouch = time.Now()
	sess.mu.Unlock()
	return sess
}

// RecordInbound stores one chunk and, when the last missing index
// lands, assembles and returns the full payload. Assembly happens
// exactly once per turn; the inbound buffer is consumed by it.
// Duplicate chunks are idempotent only if their payload is byte-equal;
// a mismatch poisons the session.
func (s *Store) RecordInbound(sid string, idx, total int, payload string) (inboundResult, []byte) {
	sess := s.Touch(sid)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.state {
	case stateGenerating:
		// Straggling retransmit of the turn that is already running.
		return inboundDropped, nil
	case stateComplete, stateError:
		// New turn. Response buffers from the previous turn go away.
		sess.inbound = make(map[int]string)
		sess.inboundTotal = 0
		sess.outbound = nil
		sess.state = stateReceiving
	case stateIdle:
		sess.state = stateReceiving
	}

	if sess.inboundTotal == 0 {
		sess.inboundTotal = total
	} else if sess.inboundTotal != total {
		s.logger.Warn("chunk total mismatch", "sid", sid, "have", sess.inboundTotal, "got", total)
		sess.state = stateError
		sess.inbound = make(map[int]string)
		sess.inboundTotal = 0
		return inboundConflict, nil
	}

	if prior, ok := sess.inbound[idx]; ok {
		if prior != payload {
			s.logger.Warn("chunk payload conflict", "sid", sid, "idx", idx)
			sess.state = stateError
			sess.inbound = make(map[int]string)
			sess.inboundTotal = 0
			return inboundConflict, nil
		}
		return inboundPending, nil
	}
	sess.inbound[idx] = payload

	if len(sess.inbound) < sess.inboundTotal {
		return inboundPending, nil
	}

	labels := make([]string, sess.inboundTotal)
	for i := range labels {
		labels[i] = sess.inbound[i]
	}
	sess.inbound = make(map[int]string)
	sess.inboundTotal = 0

	blob, err := JoinChunks(labels)
	if err != nil {
		s.logger.Warn("reassembly failed", "sid", sid, "err", err)
		sess.state = stateError
		return inboundInvalid, nil
	}
	return inboundComplete, blob
}

// BeginGeneration moves the session into generating and installs the
// orchestrator's cancel hook. At most one generation per session.
func (s *Store) BeginGeneration(sid string, cancel context.CancelFunc) bool {
	sess, ok := s.get(sid)
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == stateGenerating {
		return false
	}
	sess.state = stateGenerating
	sess.cancel = cancel
	sess.outbound = nil
	return true
}

func (s *Store) AppendOutbound(sid string, chunk string) int {
	sess, ok := s.get(sid)
	if !ok {
		return -1
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.outbound = append(sess.outbound, chunk)
	sess.lastTouch = time.Now()
	return len(sess.outbound) - 1
}

// ReadOutbound is non-blocking: the chunk if produced, not-yet while
// the generation is still running, past-end once it has finished.
func (s *Store) ReadOutbound(sid string, idx int) (string, readResult) {
	sess, ok := s.get(sid)
	if !ok {
		return "", readNotYet
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastTouch = time.Now()
	if idx < len(sess.outbound) {
		return sess.outbound[idx], readChunk
	}
	if sess.state == stateComplete || sess.state == stateError {
		return "", readPastEnd
	}
	return "", readNotYet
}

func (s *Store) Status(sid string) (int, byte) {
	sess, ok := s.get(sid)
	if !ok {
		return 0, 'g'
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastTouch = time.Now()
	switch sess.state {
	case stateError:
		return len(sess.outbound), 'e'
	case stateComplete:
		return len(sess.outbound), 'c'
	default:
		return len(sess.outbound), 'g'
	}
}

func (s *Store) MarkComplete(sid string) { s.finish(sid, stateComplete) }
func (s *Store) MarkError(sid string)    { s.finish(sid, stateError) }

func (s *Store) finish(sid string, state sessionState) {
	sess, ok := s.get(sid)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state = state
	sess.cancel = nil
}

// Clear resets a session to idle: history and both buffers dropped, the
// sid stays registered. A running generation is cancelled first.
func (s *Store) Clear(sid string) {
	sess, ok := s.get(sid)
	if !ok {
		return
	}
	sess.mu.Lock()
	cancel := sess.cancel
	sess.cancel = nil
	sess.history = nil
	sess.inbound = make(map[int]string)
	sess.inboundTotal = 0
	sess.outbound = nil
	sess.state = stateIdle
	sess.lastTouch = time.Now()
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ClearHistory drops conversation context but leaves the current turn's
// state machine alone. Used for the in-band /clear command, which still
// has an acknowledgment to deliver through the outbound buffer.
func (s *Store) ClearHistory(sid string) {
	sess, ok := s.get(sid)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = nil
}

func (s *Store) History(sid string) []chatMessage {
	sess, ok := s.get(sid)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]chatMessage, len(sess.history))
	copy(out, sess.history)
	return out
}

func (s *Store) AppendHistory(sid string, msg chatMessage) {
	sess, ok := s.get(sid)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = append(sess.history, msg)
}

func (s *Store) Exists(sid string) bool {
	_, ok := s.get(sid)
	return ok
}

// Sweep evicts idle sessions until ctx ends. Sessions caught mid
// generation get their orchestrator cancelled before removal.
func (s *Store) Sweep(ctx context.Context) {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Store) evictIdle() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	var expired []string
	var cancels []context.CancelFunc
	for sid, sess := range s.sessions {
		sess.mu.Lock()
		if sess.lastTouch.Before(cutoff) {
			expired = append(expired, sid)
			if sess.cancel != nil {
				cancels = append(cancels, sess.cancel)
				sess.cancel = nil
			}
		}
		sess.mu.Unlock()
	}
	for _, sid := range expired {
		delete(s.sessions, sid)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(expired) > 0 {
		s.logger.Debug("evicted idle sessions", "count", len(expired))
	}
}
