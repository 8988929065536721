package temper

import (
	"context"
	"fmt"
	"sync"
)

// Delivery is one request received by Serve. Reply must be called exactly
// once to answer it.
type Delivery struct {
	Payload []byte
	Reply   func(ctx context.Context, payload []byte) error
}

// Transport moves exchange frames between ranks with request/reply
// semantics. A request is addressed by destination rank and a tag; the
// destination picks it up with Serve(from, tag). Implementations must honour
// the context deadline on every blocking call.
type Transport interface {
	// Request sends payload to rank to under tag and waits for the reply.
	Request(ctx context.Context, to int, tag string, payload []byte) ([]byte, error)
	// Serve waits for the request sent by rank from under tag.
	Serve(ctx context.Context, from int, tag string) (*Delivery, error)
	// Close releases the transport. Pending and later calls fail with
	// ErrTransportClosed.
	Close() error
}

type mailboxKey struct {
	from int
	tag  string
}

type memMessage struct {
	payload []byte
	reply   chan []byte
}

// Hub connects in-process transports by rank. It is used by tests and by
// single-process ladders that still want to exercise the exchange protocol.
type Hub struct {
	mu    sync.Mutex
	nodes map[int]*MemoryTransport
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[int]*MemoryTransport)}
}

// Transport returns the transport of rank, creating it on first use.
func (h *Hub) Transport(rank int) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.nodes[rank]
	if !ok {
		t = &MemoryTransport{
			hub:       h,
			rank:      rank,
			mailboxes: make(map[mailboxKey]chan *memMessage),
			closed:    make(chan struct{}),
		}
		h.nodes[rank] = t
	}
	return t
}

// MemoryTransport is the Hub-backed Transport of one rank.
type MemoryTransport struct {
	hub  *Hub
	rank int

	mu        sync.Mutex
	mailboxes map[mailboxKey]chan *memMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// Compile-time assertion that MemoryTransport implements Transport.
var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) mailbox(k mailboxKey) chan *memMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.mailboxes[k]
	if !ok {
		ch = make(chan *memMessage, 1)
		t.mailboxes[k] = ch
	}
	return ch
}

func (t *MemoryTransport) forget(k mailboxKey) {
	t.mu.Lock()
	delete(t.mailboxes, k)
	t.mu.Unlock()
}

// Request implements Transport.
func (t *MemoryTransport) Request(ctx context.Context, to int, tag string, payload []byte) ([]byte, error) {
	dst := t.hub.Transport(to)
	msg := &memMessage{payload: append([]byte(nil), payload...), reply: make(chan []byte, 1)}

	select {
	case dst.mailbox(mailboxKey{from: t.rank, tag: tag}) <- msg:
	case <-ctx.Done():
		return nil, fmt.Errorf("request to rank %d: %w", to, ctx.Err())
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-dst.closed:
		return nil, fmt.Errorf("rank %d: %w", to, ErrTransportClosed)
	}

	select {
	case reply := <-msg.reply:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("reply from rank %d: %w", to, ctx.Err())
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-dst.closed:
		return nil, fmt.Errorf("rank %d: %w", to, ErrTransportClosed)
	}
}

// Serve implements Transport.
func (t *MemoryTransport) Serve(ctx context.Context, from int, tag string) (*Delivery, error) {
	k := mailboxKey{from: from, tag: tag}
	select {
	case msg := <-t.mailbox(k):
		t.forget(k)
		return &Delivery{
			Payload: msg.payload,
			Reply: func(ctx context.Context, payload []byte) error {
				select {
				case msg.reply <- append([]byte(nil), payload...):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("serve rank %d: %w", from, ctx.Err())
	case <-t.closed:
		return nil, ErrTransportClosed
	}
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
