package chat

import (
	"sync"
	"time"

	"github.com/perrydev/perry/internal/transcript"
)

// bufferSize is how many recent messages a live session retains for
// replay on rejoin.
const bufferSize = 200

// messageBuffer is a fixed-capacity ring of session messages with
// monotonically increasing ids. Ids start at 1; a client that has seen
// nothing resumes from 0.
type messageBuffer struct {
	mu     sync.Mutex
	ring   []transcript.Message
	start  int
	count  int
	nextID int64
}

func newMessageBuffer() *messageBuffer {
	return &messageBuffer{ring: make([]transcript.Message, bufferSize), nextID: 1}
}

// Append assigns the next id and stamps the message, evicting the oldest
// entry when full.
func (b *messageBuffer) Append(msg transcript.Message) transcript.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg.ID = b.nextID
	b.nextID++
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	idx := (b.start + b.count) % len(b.ring)
	if b.count == len(b.ring) {
		b.start = (b.start + 1) % len(b.ring)
		idx = (b.start + b.count - 1) % len(b.ring)
	} else {
		b.count++
	}
	b.ring[idx] = msg
	return msg
}

// Since returns buffered messages with id greater than afterID, oldest
// first.
func (b *messageBuffer) Since(afterID int64) []transcript.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]transcript.Message, 0, b.count)
	for i := 0; i < b.count; i++ {
		msg := b.ring[(b.start+i)%len(b.ring)]
		if msg.ID > afterID {
			out = append(out, msg)
		}
	}
	return out
}

// LastID returns the id of the newest buffered message, 0 when empty.
func (b *messageBuffer) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID - 1
}
