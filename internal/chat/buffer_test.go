package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perrydev/perry/internal/transcript"
)

func TestBufferAssignsMonotonicIDs(t *testing.T) {
	buf := newMessageBuffer()

	for i := 0; i < 5; i++ {
		msg := buf.Append(transcript.Message{Type: transcript.MessageAssistant, Content: fmt.Sprintf("m%d", i)})
		assert.Equal(t, int64(i+1), msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
	}
	assert.Equal(t, int64(5), buf.LastID())
}

func TestBufferSinceReplaysInOrder(t *testing.T) {
	buf := newMessageBuffer()
	for i := 0; i < 10; i++ {
		buf.Append(transcript.Message{Content: fmt.Sprintf("m%d", i)})
	}

	replay := buf.Since(7)
	require.Len(t, replay, 3)
	assert.Equal(t, int64(8), replay[0].ID)
	assert.Equal(t, int64(9), replay[1].ID)
	assert.Equal(t, int64(10), replay[2].ID)

	// From zero, everything comes back oldest first.
	all := buf.Since(0)
	require.Len(t, all, 10)
	for i, msg := range all {
		assert.Equal(t, int64(i+1), msg.ID)
	}
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	buf := newMessageBuffer()
	total := bufferSize + 50
	for i := 0; i < total; i++ {
		buf.Append(transcript.Message{Content: fmt.Sprintf("m%d", i)})
	}

	all := buf.Since(0)
	require.Len(t, all, bufferSize)
	// Oldest retained message immediately follows the evicted ones and
	// ids stay continuous through eviction.
	assert.Equal(t, int64(51), all[0].ID)
	assert.Equal(t, int64(total), all[len(all)-1].ID)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].ID+1, all[i].ID)
	}
}

func TestBufferSinceBeyondLatest(t *testing.T) {
	buf := newMessageBuffer()
	buf.Append(transcript.Message{Content: "only"})
	assert.Empty(t, buf.Since(99))
}
