package channel

import (
	"sync"

	"github.com/google/uuid"
)

// defaultSendBuffer is the per-member outbound frame buffer.
const defaultSendBuffer = 64

// Member is one admitted connection in a topic. The hub holds a
// back-reference for fan-out; the transport owns the connection and
// must report disconnects, which drive removal.
type Member struct {
	// ID uniquely identifies the member for its lifetime.
	ID string

	// Data is the identity data accepted at authorization time.
	Data map[string]interface{}

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMember creates a member carrying the given identity data.
func NewMember(data map[string]interface{}) *Member {
	return NewMemberWithBuffer(data, defaultSendBuffer)
}

// NewMemberWithBuffer creates a member with an explicit outbound
// buffer size.
func NewMemberWithBuffer(data map[string]interface{}, buffer int) *Member {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Member{
		ID:   uuid.NewString(),
		Data: data,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Outbox is the stream of frames the transport must deliver.
func (m *Member) Outbox() <-chan []byte {
	return m.send
}

// Done is closed when the member is shut down.
func (m *Member) Done() <-chan struct{} {
	return m.done
}

// Close marks the member dead and unblocks its transport. Idempotent.
func (m *Member) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// Closed reports whether the member has been closed.
func (m *Member) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// deliver enqueues a frame for the transport. A member whose buffer is
// full is a consumer that stopped draining; it is closed rather than
// allowed to stall the broadcasting goroutine.
func (m *Member) deliver(data []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.send <- data:
		return true
	case <-m.done:
		return false
	default:
		m.Close()
		return false
	}
}
