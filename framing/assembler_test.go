package framing

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksFor(t *testing.T, size int) ([]byte, []*Chunk) {
	t.Helper()
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	frames := Encode(payload)
	require.Greater(t, len(frames), 1)

	chunks := make([]*Chunk, 0, len(frames))
	for _, frame := range frames {
		chunk, err := ParseChunk(frame)
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	return payload, chunks
}

func TestAssemblerCompletesInOrder(t *testing.T) {
	payload, chunks := chunksFor(t, 2000)
	a := NewAssembler(0)

	for i, chunk := range chunks {
		got, complete, err := a.Add("alice", chunk)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			assert.False(t, complete)
			assert.Nil(t, got)
		} else {
			assert.True(t, complete)
			assert.Equal(t, payload, got)
		}
	}
	assert.Equal(t, 0, a.PendingCount())
}

func TestAssemblerCompletesOutOfOrder(t *testing.T) {
	payload, chunks := chunksFor(t, 2000)
	a := NewAssembler(0)

	// Deliver in reverse.
	var got []byte
	var complete bool
	var err error
	for i := len(chunks) - 1; i >= 0; i-- {
		got, complete, err = a.Add("alice", chunks[i])
		require.NoError(t, err)
	}
	require.True(t, complete)
	assert.Equal(t, payload, got)
}

func TestAssemblerDuplicateIndexOverwrites(t *testing.T) {
	payload, chunks := chunksFor(t, 1500)
	a := NewAssembler(0)

	// A bogus first chunk arrives, then the real one overwrites it.
	bogus := &Chunk{ID: chunks[0].ID, Index: 1, Total: chunks[0].Total, Data: "garbage!"}
	_, complete, err := a.Add("alice", bogus)
	require.NoError(t, err)
	require.False(t, complete)

	var got []byte
	for _, chunk := range chunks {
		got, complete, err = a.Add("alice", chunk)
		require.NoError(t, err)
	}
	require.True(t, complete)
	assert.Equal(t, payload, got)
}

func TestAssemblerIndependentAssemblies(t *testing.T) {
	p1, c1 := chunksFor(t, 1200)
	p2, c2 := chunksFor(t, 1600)
	a := NewAssembler(0)

	// Interleave two senders' chunks.
	for i := 0; i < len(c1) || i < len(c2); i++ {
		if i < len(c1) {
			got, complete, err := a.Add("alice", c1[i])
			require.NoError(t, err)
			if complete {
				assert.Equal(t, p1, got)
			}
		}
		if i < len(c2) {
			got, complete, err := a.Add("bob", c2[i])
			require.NoError(t, err)
			if complete {
				assert.Equal(t, p2, got)
			}
		}
	}
	assert.Equal(t, 0, a.PendingCount())
}

func TestAssemblerPurgeStale(t *testing.T) {
	_, chunks := chunksFor(t, 1200)
	a := NewAssembler(10 * time.Millisecond)

	_, complete, err := a.Add("alice", chunks[0])
	require.NoError(t, err)
	require.False(t, complete)
	require.Equal(t, 1, a.PendingCount())

	time.Sleep(30 * time.Millisecond)
	removed := a.PurgeStale()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, a.PendingCount())

	// A fresh assembly survives the purge.
	_, _, err = a.Add("alice", chunks[0])
	require.NoError(t, err)
	assert.Equal(t, 0, a.PurgeStale())
	assert.Equal(t, 1, a.PendingCount())
}
