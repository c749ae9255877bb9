package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageBufferPushSupersedesAddress(t *testing.T) {
	b := newPageBuffer()
	b.push([]MemoryPage{page(0), page(4096), page(8192)})
	require.Equal(t, 3, b.len())
	assert.Equal(t, int64(3*testPageSize), b.bytes)

	newer := page(0)
	newer.Payload = []byte("newer")
	b.push([]MemoryPage{newer})

	pending, seqs := b.pending()
	require.Len(t, pending, 3)
	require.Len(t, seqs, 3)
	assert.Equal(t, int64(3*testPageSize), b.bytes, "re-captured page must not be counted twice")
	assert.Equal(t, uint64(0), pending[2].Address, "re-captured page moves to the back")
	assert.Equal(t, []byte("newer"), pending[2].Payload)
}

func TestPageBufferCopiesPayload(t *testing.T) {
	b := newPageBuffer()
	p := page(0)
	p.Payload = []byte{1, 2, 3}
	b.push([]MemoryPage{p})
	p.Payload[0] = 9

	pending, _ := b.pending()
	assert.Equal(t, []byte{1, 2, 3}, pending[0].Payload)
}

func TestPageBufferAckIgnoresStaleCopy(t *testing.T) {
	b := newPageBuffer()
	b.push([]MemoryPage{page(0)})
	_, seqs := b.pending()
	stale := seqs[0]

	b.push([]MemoryPage{page(0)})

	assert.False(t, b.ack(0, stale), "ack of a superseded copy must keep the newer one")
	assert.Equal(t, 1, b.len())

	_, seqs = b.pending()
	assert.True(t, b.ack(0, seqs[0]))
	assert.Equal(t, 0, b.len())
	assert.Equal(t, int64(0), b.bytes)
	assert.False(t, b.ack(0, seqs[0]))
}

func TestPageBufferDropOldest(t *testing.T) {
	b := newPageBuffer()
	b.push(pages(0, 10))

	dropped := b.dropOldest(8 * testPageSize)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, int64(7*testPageSize), b.bytes)

	pending, _ := b.pending()
	assert.Equal(t, uint64(3*testPageSize), pending[0].Address, "oldest pages go first")

	assert.Equal(t, 0, b.dropOldest(8*testPageSize))
	assert.Equal(t, 7, b.dropOldest(0))
	assert.Equal(t, 0, b.len())
}

func TestPageBufferOldest(t *testing.T) {
	b := newPageBuffer()
	_, ok := b.oldest()
	assert.False(t, ok)

	first := time.Now().Add(-time.Second)
	p := page(0)
	p.CapturedAt = first
	b.push([]MemoryPage{p, page(4096)})

	oldest, ok := b.oldest()
	require.True(t, ok)
	assert.Equal(t, first, oldest)
}
