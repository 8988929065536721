package temper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root used when none is configured.
const DefaultSubjectPrefix = "gwmc"

// noRespondersBackoff is the pause between retries while the peer has not
// subscribed yet.
const noRespondersBackoff = 20 * time.Millisecond

// NATSTransport carries exchange frames over NATS request/reply.
//
// Rank r listens on <prefix>.rank.<r>.> and a request from rank f under tag
// is published to <prefix>.rank.<to>.from.<f>.<tag>. Messages that arrive
// before they are asked for are stashed until Serve requests them.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	rank   int
	sub    *nats.Subscription

	serveMu sync.Mutex
	mu      sync.Mutex
	stash   map[mailboxKey]*nats.Msg
	closed  atomic.Bool
}

// Compile-time assertion that NATSTransport implements Transport.
var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport subscribes rank's inbox on nc. Tags must be single
// subject tokens (no dots or wildcards).
func NewNATSTransport(nc *nats.Conn, prefix string, rank int) (*NATSTransport, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	t := &NATSTransport{
		nc:     nc,
		prefix: prefix,
		rank:   rank,
		stash:  make(map[mailboxKey]*nats.Msg),
	}
	sub, err := nc.SubscribeSync(fmt.Sprintf("%s.rank.%d.>", prefix, rank))
	if err != nil {
		return nil, fmt.Errorf("subscribe rank %d: %w", rank, err)
	}
	// Frames are large; lift the default pending limits.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("set pending limits: %w", err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	t.sub = sub
	return t, nil
}

func (t *NATSTransport) subject(to int, tag string) string {
	return fmt.Sprintf("%s.rank.%d.from.%d.%s", t.prefix, to, t.rank, tag)
}

// parse extracts (from, tag) from a subject addressed to this rank.
func (t *NATSTransport) parse(subject string) (mailboxKey, bool) {
	rest, ok := strings.CutPrefix(subject, fmt.Sprintf("%s.rank.%d.from.", t.prefix, t.rank))
	if !ok {
		return mailboxKey{}, false
	}
	fromStr, tag, ok := strings.Cut(rest, ".")
	if !ok {
		return mailboxKey{}, false
	}
	from, err := strconv.Atoi(fromStr)
	if err != nil {
		return mailboxKey{}, false
	}
	return mailboxKey{from: from, tag: tag}, true
}

// Request implements Transport. It retries while the peer has no
// subscription yet, until the context expires.
func (t *NATSTransport) Request(ctx context.Context, to int, tag string, payload []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if err := t.checkSize(payload); err != nil {
		return nil, fmt.Errorf("request to rank %d: %w", to, err)
	}
	subject := t.subject(to, tag)
	for {
		msg, err := t.nc.RequestWithContext(ctx, subject, payload)
		if err == nil {
			return msg.Data, nil
		}
		if !errors.Is(err, nats.ErrNoResponders) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("request to rank %d: %w", to, ctxErr)
			}
			switch {
			case errors.Is(err, nats.ErrConnectionClosed):
				return nil, ErrTransportClosed
			case errors.Is(err, nats.ErrMaxPayload):
				return nil, fmt.Errorf("request to rank %d: %w: %v", to, ErrFrameTooLarge, err)
			}
			return nil, fmt.Errorf("request to rank %d: %w", to, err)
		}

		timer := time.NewTimer(noRespondersBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("request to rank %d: %w", to, ctx.Err())
		case <-timer.C:
		}
	}
}

// Serve implements Transport.
func (t *NATSTransport) Serve(ctx context.Context, from int, tag string) (*Delivery, error) {
	t.serveMu.Lock()
	defer t.serveMu.Unlock()

	want := mailboxKey{from: from, tag: tag}
	t.mu.Lock()
	msg, ok := t.stash[want]
	delete(t.stash, want)
	t.mu.Unlock()

	for !ok {
		if t.closed.Load() {
			return nil, ErrTransportClosed
		}
		next, err := t.sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("serve rank %d: %w", from, ctxErr)
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, ErrTransportClosed
			}
			return nil, fmt.Errorf("serve rank %d: %w", from, err)
		}
		k, valid := t.parse(next.Subject)
		if !valid {
			continue
		}
		if k == want {
			msg, ok = next, true
			break
		}
		t.mu.Lock()
		t.stash[k] = next
		t.mu.Unlock()
	}

	return &Delivery{
		Payload: msg.Data,
		Reply: func(_ context.Context, payload []byte) error {
			if err := t.checkSize(payload); err != nil {
				return fmt.Errorf("reply to rank %d: %w", from, err)
			}
			return msg.Respond(payload)
		},
	}, nil
}

// MaxPayload returns the largest message the server accepts, as announced
// when the connection was made.
func (t *NATSTransport) MaxPayload() int64 {
	return t.nc.MaxPayload()
}

// checkSize rejects payloads the server would refuse, before anything is
// published.
func (t *NATSTransport) checkSize(payload []byte) error {
	if limit := t.MaxPayload(); limit > 0 && int64(len(payload)) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(payload), limit)
	}
	return nil
}

// Close unsubscribes. The connection itself belongs to the caller.
func (t *NATSTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.sub.Unsubscribe()
}
