package main

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(30*time.Minute, testLogger())
}

// envelopeLabels encodes blob and slices it into roughly n payload
// labels, the way a client would before spraying msg queries.
func envelopeLabels(blob []byte, n int) []string {
	encoded := encodeLabel(blob)
	size := (len(encoded) + n - 1) / n
	var out []string
	for len(encoded) > 0 {
		k := size
		if k > len(encoded) {
			k = len(encoded)
		}
		out = append(out, encoded[:k])
		encoded = encoded[k:]
	}
	return out
}

func TestRecordInboundInOrder(t *testing.T) {
	s := newTestStore()
	blob := fakeEnvelope(60)
	parts := envelopeLabels(blob, 5)

	for i, part := range parts {
		res, got := s.RecordInbound("s1", i, len(parts), part)
		if i < len(parts)-1 {
			assert.Equal(t, inboundPending, res)
			assert.Nil(t, got)
		} else {
			assert.Equal(t, inboundComplete, res)
			assert.Equal(t, blob, got)
		}
	}
}

func TestRecordInboundAnyOrder(t *testing.T) {
	blob := fakeEnvelope(120)
	parts := envelopeLabels(blob, 7)

	for trial := 0; trial < 10; trial++ {
		s := newTestStore()
		order := rand.Perm(len(parts))

		var got []byte
		completions := 0
		for _, i := range order {
			res, assembled := s.RecordInbound("s1", i, len(parts), parts[i])
			if res == inboundComplete {
				completions++
				got = assembled
			}
		}
		assert.Equal(t, 1, completions)
		assert.Equal(t, blob, got)
	}
}

func TestRecordInboundDuplicateIdempotent(t *testing.T) {
	s := newTestStore()
	blob := fakeEnvelope(60)
	parts := envelopeLabels(blob, 4)

	res, _ := s.RecordInbound("s1", 0, len(parts), parts[0])
	assert.Equal(t, inboundPending, res)
	res, _ = s.RecordInbound("s1", 0, len(parts), parts[0])
	assert.Equal(t, inboundPending, res)

	for i := 1; i < len(parts); i++ {
		res, got := s.RecordInbound("s1", i, len(parts), parts[i])
		if i == len(parts)-1 {
			assert.Equal(t, inboundComplete, res)
			assert.Equal(t, blob, got)
		}
	}
}

func TestRecordInboundPayloadConflict(t *testing.T) {
	s := newTestStore()

	res, _ := s.RecordInbound("s1", 0, 2, "aaaa")
	assert.Equal(t, inboundPending, res)
	res, _ = s.RecordInbound("s1", 0, 2, "bbbb")
	assert.Equal(t, inboundConflict, res)

	_, state := s.Status("s1")
	assert.Equal(t, byte('e'), state)
}

func TestRecordInboundTotalConflict(t *testing.T) {
	s := newTestStore()

	s.RecordInbound("s1", 0, 3, "aaaa")
	res, _ := s.RecordInbound("s1", 1, 4, "bbbb")
	assert.Equal(t, inboundConflict, res)

	_, state := s.Status("s1")
	assert.Equal(t, byte('e'), state)
}

func TestRecordInboundRejectsNonEnvelope(t *testing.T) {
	s := newTestStore()

	// Valid base32, but the decoded bytes are no ciphertext envelope.
	res, got := s.RecordInbound("s1", 0, 1, encodeLabel([]byte("junk")))
	assert.Equal(t, inboundInvalid, res)
	assert.Nil(t, got)

	_, state := s.Status("s1")
	assert.Equal(t, byte('e'), state)
}

func TestNewTurnAfterTerminalState(t *testing.T) {
	s := newTestStore()
	turnOne := fakeEnvelope(40)
	turnTwo := fakeEnvelope(48)

	res, _ := s.RecordInbound("s1", 0, 1, encodeLabel(turnOne))
	require.Equal(t, inboundComplete, res)
	require.True(t, s.BeginGeneration("s1", func() {}))
	s.AppendOutbound("s1", "chunk")
	s.MarkComplete("s1")

	// The next turn starts clean: previous outbound array is gone.
	res, got := s.RecordInbound("s1", 0, 1, encodeLabel(turnTwo))
	assert.Equal(t, inboundComplete, res)
	assert.Equal(t, turnTwo, got)
	n, state := s.Status("s1")
	assert.Equal(t, 0, n)
	assert.Equal(t, byte('g'), state)
}

func TestInboundDroppedWhileGenerating(t *testing.T) {
	s := newTestStore()
	label := encodeLabel(fakeEnvelope(40))

	res, _ := s.RecordInbound("s1", 0, 1, label)
	require.Equal(t, inboundComplete, res)
	require.True(t, s.BeginGeneration("s1", func() {}))

	res, _ = s.RecordInbound("s1", 0, 1, label)
	assert.Equal(t, inboundDropped, res)
}

func TestBeginGenerationExclusive(t *testing.T) {
	s := newTestStore()
	s.Touch("s1")

	assert.True(t, s.BeginGeneration("s1", func() {}))
	assert.False(t, s.BeginGeneration("s1", func() {}))
	assert.False(t, s.BeginGeneration("missing", func() {}))
}

func TestOutboundPrefixVisibility(t *testing.T) {
	s := newTestStore()
	s.Touch("s1")
	require.True(t, s.BeginGeneration("s1", func() {}))

	for i := 0; i < 5; i++ {
		assert.Equal(t, i, s.AppendOutbound("s1", "chunk"))
		// Seeing index i means every index below it reads back too.
		for j := 0; j <= i; j++ {
			_, res := s.ReadOutbound("s1", j)
			assert.Equal(t, readChunk, res)
		}
	}
}

func TestReadOutboundStates(t *testing.T) {
	s := newTestStore()
	s.Touch("s1")
	require.True(t, s.BeginGeneration("s1", func() {}))
	s.AppendOutbound("s1", "c0")

	chunk, res := s.ReadOutbound("s1", 0)
	assert.Equal(t, readChunk, res)
	assert.Equal(t, "c0", chunk)

	_, res = s.ReadOutbound("s1", 1)
	assert.Equal(t, readNotYet, res)

	s.MarkComplete("s1")
	_, res = s.ReadOutbound("s1", 1)
	assert.Equal(t, readPastEnd, res)
}

func TestStatusStates(t *testing.T) {
	s := newTestStore()
	s.Touch("s1")

	n, state := s.Status("s1")
	assert.Equal(t, 0, n)
	assert.Equal(t, byte('g'), state)

	require.True(t, s.BeginGeneration("s1", func() {}))
	s.AppendOutbound("s1", "c0")
	s.MarkComplete("s1")
	n, state = s.Status("s1")
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('c'), state)

	s.Touch("s2")
	require.True(t, s.BeginGeneration("s2", func() {}))
	s.MarkError("s2")
	_, state = s.Status("s2")
	assert.Equal(t, byte('e'), state)
}

func TestClearResetsSession(t *testing.T) {
	s := newTestStore()
	s.Touch("s1")
	s.AppendHistory("s1", chatMessage{Role: "user", Text: "hi"})
	require.True(t, s.BeginGeneration("s1", func() {}))
	s.AppendOutbound("s1", "c0")

	s.Clear("s1")
	assert.Empty(t, s.History("s1"))
	n, state := s.Status("s1")
	assert.Equal(t, 0, n)
	assert.Equal(t, byte('g'), state)
	assert.True(t, s.Exists("s1"))

	// Clearing an already-empty session changes nothing.
	s.Clear("s1")
	assert.True(t, s.Exists("s1"))
	s.Clear("missing")
}

func TestClearCancelsGeneration(t *testing.T) {
	s := newTestStore()
	s.Touch("s1")

	cancelled := make(chan struct{})
	require.True(t, s.BeginGeneration("s1", func() { close(cancelled) }))
	s.Clear("s1")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("clear did not cancel the generation")
	}
}

func TestEvictIdleSessions(t *testing.T) {
	s := NewStore(50*time.Millisecond, testLogger())
	s.Touch("old")
	s.Touch("fresh")

	sess, ok := s.get("old")
	require.True(t, ok)
	sess.mu.Lock()
	sess.lastTouch = time.Now().Add(-time.Minute)
	sess.mu.Unlock()

	s.evictIdle()
	assert.False(t, s.Exists("old"))
	assert.True(t, s.Exists("fresh"))
}

func TestEvictCancelsGeneratingSession(t *testing.T) {
	s := NewStore(50*time.Millisecond, testLogger())
	s.Touch("s1")

	cancelled := make(chan struct{})
	require.True(t, s.BeginGeneration("s1", func() { close(cancelled) }))

	sess, ok := s.get("s1")
	require.True(t, ok)
	sess.mu.Lock()
	sess.lastTouch = time.Now().Add(-time.Minute)
	sess.mu.Unlock()

	s.evictIdle()
	assert.False(t, s.Exists("s1"))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("eviction did not cancel the generation")
	}
}

func TestSweepLoopStops(t *testing.T) {
	s := NewStore(time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Sweep(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
