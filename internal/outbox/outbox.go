// Package outbox implements the per-connection outbound write queue shared
// by the server's connection state machine and the client multiplexer: a
// FIFO of framed messages protected by a mutex, where enqueuing onto an
// empty queue is what kicks off the actual write, and every later enqueue
// just appends and returns — exactly the "if and only if the queue was
// previously empty, initiate the actual write" rule the connection state
// machine specifies. This is what serializes writes on a socket shared by
// many concurrent callers without ever holding the lock during I/O.
package outbox

import "sync"

// Frame is one already-encoded wire frame ready to write.
type Frame struct {
	ReqID   uint64
	ReqType uint8
	FuncID  uint32
	Body    []byte
}

// Writer performs the actual I/O for one frame. It is called with no lock
// held, so it may block.
type Writer func(f Frame) error

// Outbox is a single-writer-at-a-time FIFO queue for one connection.
type Outbox struct {
	write Writer

	mu      sync.Mutex
	queue   []Frame
	writing bool
}

// New creates an Outbox that flushes frames through write.
func New(write Writer) *Outbox {
	return &Outbox{write: write}
}

// Enqueue appends f to the queue. If the queue was empty, the calling
// goroutine itself drains it (synchronously) until empty again; otherwise
// it returns immediately, trusting the goroutine already draining the queue
// to pick f up.
func (o *Outbox) Enqueue(f Frame) error {
	o.mu.Lock()
	o.queue = append(o.queue, f)
	if o.writing {
		o.mu.Unlock()
		return nil
	}
	o.writing = true
	o.mu.Unlock()

	return o.drain()
}

func (o *Outbox) drain() error {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.writing = false
			o.mu.Unlock()
			return nil
		}
		f := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.write(f); err != nil {
			o.mu.Lock()
			o.queue = nil
			o.writing = false
			o.mu.Unlock()
			return err
		}
	}
}
