package kernel

import "encoding/binary"

// Mailbox is a Queue carrying values of a fixed-size type T, encoded
// little-endian into whole message words.
type Mailbox[T any] struct {
	q *Queue
}

// CreateMailbox creates a mailbox holding capacity values of T. T must
// have a fixed encoded size of at most MaxMessageWords words.
func CreateMailbox[T any](ctx *Context, name string, capacity int, pool Pool) (*Mailbox[T], error) {
	if ctx == nil || ctx.k == nil {
		return nil, ErrCaller
	}
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		return nil, ErrSize
	}
	q, err := ctx.k.CreateQueue(ctx, QueueConfig{
		Name:         name,
		MessageWords: roundUp(size, WordSize) / WordSize,
		Capacity:     capacity,
		Pool:         pool,
	})
	if err != nil {
		return nil, err
	}
	return &Mailbox[T]{q: q}, nil
}

// Queue returns the underlying queue.
func (m *Mailbox[T]) Queue() *Queue { return m.q }

// Send appends v, waiting up to timeout for room.
func (m *Mailbox[T]) Send(ctx *Context, v T, timeout Ticks) error {
	buf := make([]byte, m.q.msgSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, v); err != nil {
		return ErrSize
	}
	return m.q.Send(ctx, buf, timeout)
}

// SendFront puts v at the head of the mailbox.
func (m *Mailbox[T]) SendFront(ctx *Context, v T, timeout Ticks) error {
	buf := make([]byte, m.q.msgSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, v); err != nil {
		return ErrSize
	}
	return m.q.SendFront(ctx, buf, timeout)
}

// Receive returns the oldest value, waiting up to timeout.
func (m *Mailbox[T]) Receive(ctx *Context, timeout Ticks) (T, error) {
	var v T
	buf := make([]byte, m.q.msgSize)
	if err := m.q.Receive(ctx, buf, timeout); err != nil {
		return v, err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, ErrSize
	}
	return v, nil
}

// Len returns the number of stored values.
func (m *Mailbox[T]) Len() int { return m.q.Len() }

// Flush drops every stored value.
func (m *Mailbox[T]) Flush(ctx *Context) error { return m.q.Flush(ctx) }

// Delete deletes the underlying queue.
func (m *Mailbox[T]) Delete(ctx *Context) error { return m.q.Delete(ctx) }
