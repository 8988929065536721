package temper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/internal/logging"
	"github.com/sbl8/gwmc/internal/metrics"
	"github.com/sbl8/gwmc/runtime"
)

// DefaultExchangeTimeout bounds one cross-process exchange.
const DefaultExchangeTimeout = 30 * time.Second

// Failure reasons reported to metrics.
const (
	reasonTimeout   = "timeout"
	reasonPeer      = "peer"
	reasonCorrupt   = "corrupt"
	reasonTransport = "transport"
	reasonTooLarge  = "too_large"
	reasonLocal     = "local"
)

// Result describes one completed exchange.
type Result struct {
	Step      uint64
	Partner   int
	Authority bool
	Attempts  int
	Accepted  int
}

// ExchangeOption configures an Exchanger.
type ExchangeOption func(*Exchanger)

// WithTimeout bounds every exchange. Zero or negative keeps the default.
func WithTimeout(d time.Duration) ExchangeOption {
	return func(x *Exchanger) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithRunID tags every frame with a run identifier; frames from another run
// are rejected.
func WithRunID(id string) ExchangeOption {
	return func(x *Exchanger) { x.runID = id }
}

// Exchanger performs cross-process replica exchange for one rank.
//
// On every step the rank is paired with a neighbour on the ladder. The lower
// rank of the pair is the authority:
//  1. The follower sends its full state as a request.
//  2. The authority validates it and decides every walker swap once.
//  3. The authority replies with its own pre-swap state and the decisions.
//  4. The follower checks the reply and acknowledges the decisions.
//  5. The authority answers the acknowledgement and applies.
//  6. The follower applies once that answer arrives.
//
// Only the authority draws random numbers, so the two sides cannot disagree.
// Any failure is returned before anything is applied on the failing side. A
// follower that gives up before step 4 leaves the authority unchanged; only
// a lost answer to the acknowledgement can still leave the pair diverged.
type Exchanger struct {
	engine    *runtime.Engine
	transport Transport
	codec     *Codec
	ladder    *Ladder
	rank      int
	timeout   time.Duration
	runID     string

	logger  logging.Logger
	metrics metrics.Collector

	peer *core.Ensemble
}

// NewExchanger returns the exchanger of rank on ladder.
func NewExchanger(en *runtime.Engine, tr Transport, codec *Codec, ladder *Ladder, rank int, opts ...ExchangeOption) (*Exchanger, error) {
	if err := ladder.CheckRank(rank); err != nil {
		return nil, err
	}
	x := &Exchanger{
		engine:    en,
		transport: tr,
		codec:     codec,
		ladder:    ladder,
		rank:      rank,
		timeout:   DefaultExchangeTimeout,
		logger:    en.Logger(),
		metrics:   en.Metrics(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Rank returns the exchanger's rank.
func (x *Exchanger) Rank() int { return x.rank }

// Partner returns the rank paired with this one on step.
func (x *Exchanger) Partner(step uint64) int { return x.ladder.Partner(x.rank, step) }

func exchangeTag(step uint64) string {
	return fmt.Sprintf("x%d", step)
}

func ackTag(step uint64) string {
	return fmt.Sprintf("a%d", step)
}

// Exchange runs the exchange of step for self. self's inverse temperature
// must be the ladder's beta for this rank.
func (x *Exchanger) Exchange(ctx context.Context, self *core.Ensemble, step uint64) (Result, error) {
	partner := x.Partner(step)
	authority := Authoritative(x.rank, partner)
	res := Result{Step: step, Partner: partner, Authority: authority, Attempts: self.NWalkers()}
	if self.InverseTemperature != x.ladder.Beta(x.rank) {
		return res, fmt.Errorf("%w: rank %d runs at beta %v, ladder says %v",
			ErrLadder, x.rank, self.InverseTemperature, x.ladder.Beta(x.rank))
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "temper.Exchange",
		trace.WithAttributes(
			attribute.Int("rank", x.rank),
			attribute.Int("partner", partner),
			attribute.Int64("step", int64(step)),
			attribute.Bool("authority", authority),
		),
	)
	defer span.End()

	var err error
	if authority {
		res.Accepted, err = x.lead(ctx, self, partner, step)
	} else {
		res.Accepted, err = x.follow(ctx, self, partner, step)
	}
	if err != nil {
		err = classify(err)
		x.metrics.RecordExchangeFailure(failureReason(err))
		x.logger.Warn("exchange failed", "rank", x.rank, "partner", partner, "step", step, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	x.metrics.RecordSwaps(metrics.SwapCross, int64(res.Attempts), int64(res.Accepted))
	span.SetAttributes(attribute.Int("accepted", res.Accepted))
	span.SetStatus(codes.Ok, "")
	x.logger.Debug("exchange complete", "rank", x.rank, "partner", partner, "step", step, "accepted", res.Accepted)
	return res, nil
}

// follow is the non-authoritative side.
func (x *Exchanger) follow(ctx context.Context, self *core.Ensemble, partner int, step uint64) (int, error) {
	tag := exchangeTag(step)

	if err := x.engine.Refresh(ctx, self); err != nil {
		err = fmt.Errorf("refresh before exchange: %w", err)
		x.notify(ctx, partner, tag, step, err)
		return 0, err
	}

	payload, err := x.codec.Encode(x.stateFrame(FrameState, self, step))
	if err != nil {
		return 0, err
	}
	raw, err := x.transport.Request(ctx, partner, tag, payload)
	if err != nil {
		// Nothing was sent, so the authority is still waiting on this tag.
		if errors.Is(err, ErrFrameTooLarge) {
			x.notify(ctx, partner, tag, step, err)
		}
		return 0, err
	}

	accept, peer, err := x.readDecision(raw, self, partner, step)
	if err != nil {
		if !errors.Is(err, ErrPeerFailure) {
			x.notify(ctx, partner, ackTag(step), step, err)
		}
		return 0, err
	}
	if err := x.confirm(ctx, partner, step, countAccepted(accept)); err != nil {
		return 0, err
	}
	return applyDecisions(self, peer, accept), nil
}

// readDecision decodes and checks the authority's reply.
func (x *Exchanger) readDecision(raw []byte, self *core.Ensemble, partner int, step uint64) ([]bool, *core.Ensemble, error) {
	reply, err := x.codec.Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	switch reply.Kind {
	case FrameError:
		return nil, nil, fmt.Errorf("%w: rank %d: %s", ErrPeerFailure, partner, reply.Meta.Error)
	case FrameDecision:
	default:
		return nil, nil, fmt.Errorf("%w: unexpected %s frame", ErrFrameCorrupt, reply.Kind)
	}
	if err := x.validate(reply, self, partner, step); err != nil {
		return nil, nil, err
	}
	accept, err := UnpackDecisions(reply.Decisions, self.NWalkers())
	if err != nil {
		return nil, nil, err
	}
	if n := countAccepted(accept); n != reply.Meta.Accepted {
		return nil, nil, fmt.Errorf("%w: bitmap holds %d accepts, header says %d", ErrFrameCorrupt, n, reply.Meta.Accepted)
	}
	peer, err := x.loadPeer(self, reply)
	if err != nil {
		return nil, nil, err
	}
	return accept, peer, nil
}

// confirm acknowledges the decisions of step and waits until the authority
// has committed them.
func (x *Exchanger) confirm(ctx context.Context, partner int, step uint64, accepted int) error {
	payload, err := x.codec.Encode(x.ackFrame(step, accepted))
	if err != nil {
		return err
	}
	raw, err := x.transport.Request(ctx, partner, ackTag(step), payload)
	if err != nil {
		return fmt.Errorf("acknowledge step %d: %w", step, err)
	}
	f, err := x.codec.Decode(raw)
	if err != nil {
		return err
	}
	switch f.Kind {
	case FrameError:
		return fmt.Errorf("%w: rank %d: %s", ErrPeerFailure, partner, f.Meta.Error)
	case FrameAck:
	default:
		return fmt.Errorf("%w: unexpected %s frame", ErrFrameCorrupt, f.Kind)
	}
	return x.validateAck(f, partner, step, accepted)
}

// lead is the authoritative side.
func (x *Exchanger) lead(ctx context.Context, self *core.Ensemble, partner int, step uint64) (int, error) {
	refreshErr := x.engine.Refresh(ctx, self)

	d, err := x.transport.Serve(ctx, partner, exchangeTag(step))
	if err != nil {
		return 0, err
	}
	fail := func(cause error) (int, error) {
		return 0, x.replyError(ctx, d, step, cause)
	}

	if refreshErr != nil {
		return fail(fmt.Errorf("refresh before exchange: %w", refreshErr))
	}
	request, err := x.codec.Decode(d.Payload)
	if err != nil {
		return fail(err)
	}
	switch request.Kind {
	case FrameError:
		return fail(fmt.Errorf("%w: rank %d: %s", ErrPeerFailure, partner, request.Meta.Error))
	case FrameState:
	default:
		return fail(fmt.Errorf("%w: unexpected %s frame", ErrFrameCorrupt, request.Kind))
	}
	if err := x.validate(request, self, partner, step); err != nil {
		return fail(err)
	}
	peer, err := x.loadPeer(self, request)
	if err != nil {
		return fail(err)
	}

	accept := make([]bool, self.NWalkers())
	accepted, err := swapRegion(ctx, x.engine, self, peer, func(i int, _ []float64) {
		accept[i] = true
	})
	if err != nil {
		return fail(err)
	}

	// The reply carries the pre-swap state, so it is encoded before applying.
	reply := x.stateFrame(FrameDecision, self, step)
	reply.Decisions = PackDecisions(accept)
	reply.Meta.Accepted = int(accepted)
	payload, err := x.codec.Encode(reply)
	if err != nil {
		return fail(err)
	}
	if err := d.Reply(ctx, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return fail(err)
		}
		return 0, fmt.Errorf("reply to rank %d: %w", partner, err)
	}

	if err := x.commit(ctx, partner, step, int(accepted)); err != nil {
		return 0, err
	}
	n := applyDecisions(self, peer, accept)
	self.AddAccepted(int64(n))
	return n, nil
}

// commit waits for the follower to acknowledge the decisions of step and
// answers it. The caller applies the decisions only when commit succeeds.
func (x *Exchanger) commit(ctx context.Context, partner int, step uint64, accepted int) error {
	d, err := x.transport.Serve(ctx, partner, ackTag(step))
	if err != nil {
		return fmt.Errorf("await acknowledgement of step %d: %w", step, err)
	}
	f, err := x.codec.Decode(d.Payload)
	if err != nil {
		return x.replyError(ctx, d, step, err)
	}
	switch f.Kind {
	case FrameError:
		return x.replyError(ctx, d, step, fmt.Errorf("%w: rank %d: %s", ErrPeerFailure, partner, f.Meta.Error))
	case FrameAck:
	default:
		return x.replyError(ctx, d, step, fmt.Errorf("%w: unexpected %s frame", ErrFrameCorrupt, f.Kind))
	}
	if err := x.validateAck(f, partner, step, accepted); err != nil {
		return x.replyError(ctx, d, step, err)
	}

	payload, err := x.codec.Encode(x.ackFrame(step, accepted))
	if err != nil {
		return x.replyError(ctx, d, step, err)
	}
	if err := d.Reply(ctx, payload); err != nil {
		return fmt.Errorf("confirm step %d to rank %d: %w", step, partner, err)
	}
	return nil
}

// replyError answers d with an error frame carrying cause and returns cause.
func (x *Exchanger) replyError(ctx context.Context, d *Delivery, step uint64, cause error) error {
	if payload, err := x.codec.Encode(x.errorFrame(step, cause)); err == nil {
		_ = d.Reply(ctx, payload)
	}
	return cause
}

// notify tells partner, on a best effort basis, why this rank is giving up
// on step, so it fails at once instead of waiting out its timeout.
func (x *Exchanger) notify(ctx context.Context, partner int, tag string, step uint64, cause error) {
	if payload, err := x.codec.Encode(x.errorFrame(step, cause)); err == nil {
		_, _ = x.transport.Request(ctx, partner, tag, payload)
	}
}

func countAccepted(accept []bool) int {
	n := 0
	for _, ok := range accept {
		if ok {
			n++
		}
	}
	return n
}

// applyDecisions overwrites every accepted slot of self with the peer's.
func applyDecisions(self, peer *core.Ensemble, accept []bool) int {
	n := 0
	for i, ok := range accept {
		if ok {
			self.TakeWalker(peer, i)
			n++
		}
	}
	return n
}

func (x *Exchanger) stateFrame(kind FrameKind, self *core.Ensemble, step uint64) *Frame {
	walkers, lnp := self.Buffers()
	return &Frame{
		Kind: kind,
		Meta: FrameMeta{
			RunID:    x.runID,
			Rank:     x.rank,
			Step:     step,
			NWalkers: self.NWalkers(),
			NDim:     self.NDim(),
			Beta:     self.InverseTemperature,
		},
		Walkers: walkers,
		Lnp:     lnp,
	}
}

func (x *Exchanger) ackFrame(step uint64, accepted int) *Frame {
	return &Frame{
		Kind: FrameAck,
		Meta: FrameMeta{RunID: x.runID, Rank: x.rank, Step: step, Accepted: accepted},
	}
}

func (x *Exchanger) errorFrame(step uint64, cause error) *Frame {
	return &Frame{
		Kind: FrameError,
		Meta: FrameMeta{RunID: x.runID, Rank: x.rank, Step: step, Error: cause.Error()},
	}
}

// validate checks that f was sent by partner for step and matches self's
// layout and the ladder.
func (x *Exchanger) validate(f *Frame, self *core.Ensemble, partner int, step uint64) error {
	m := f.Meta
	switch {
	case m.RunID != x.runID:
		return fmt.Errorf("%w: run %q, want %q", ErrFrameCorrupt, m.RunID, x.runID)
	case m.Rank != partner:
		return fmt.Errorf("%w: sent by rank %d, want %d", ErrFrameCorrupt, m.Rank, partner)
	case m.Step != step:
		return fmt.Errorf("%w: step %d, want %d", ErrFrameCorrupt, m.Step, step)
	case m.NWalkers != self.NWalkers() || m.NDim != self.NDim():
		return fmt.Errorf("%w: peer is %dx%d, self is %dx%d", core.ErrLayoutMismatch, m.NWalkers, m.NDim, self.NWalkers(), self.NDim())
	case m.Beta != x.ladder.Beta(partner):
		return fmt.Errorf("%w: peer beta %v, ladder says %v", ErrLadder, m.Beta, x.ladder.Beta(partner))
	}
	return nil
}

// validateAck checks an acknowledgement from partner against the decisions
// of step.
func (x *Exchanger) validateAck(f *Frame, partner int, step uint64, accepted int) error {
	m := f.Meta
	switch {
	case m.RunID != x.runID:
		return fmt.Errorf("%w: run %q, want %q", ErrFrameCorrupt, m.RunID, x.runID)
	case m.Rank != partner:
		return fmt.Errorf("%w: acknowledged by rank %d, want %d", ErrFrameCorrupt, m.Rank, partner)
	case m.Step != step:
		return fmt.Errorf("%w: acknowledges step %d, want %d", ErrFrameCorrupt, m.Step, step)
	case m.Accepted != accepted:
		return fmt.Errorf("%w: acknowledges %d accepts, decided %d", ErrFrameCorrupt, m.Accepted, accepted)
	}
	return nil
}

// loadPeer copies the frame's buffers into the reusable peer ensemble and
// checks that every log-density arrived computed.
func (x *Exchanger) loadPeer(self *core.Ensemble, f *Frame) (*core.Ensemble, error) {
	if x.peer == nil || x.peer.Freed() || x.peer.NWalkers() != self.NWalkers() || x.peer.NDim() != self.NDim() {
		peer, err := core.Allocate(self.Threads, self.NWalkers(), self.NDim())
		if err != nil {
			return nil, err
		}
		x.peer = peer
	}
	x.peer.Threads = self.Threads
	x.peer.InverseTemperature = f.Meta.Beta
	if err := x.peer.LoadBuffers(f.Walkers, f.Lnp); err != nil {
		return nil, err
	}
	for i := 0; i < x.peer.NWalkers(); i++ {
		if _, ok := x.peer.LogDensity(i); !ok {
			return nil, fmt.Errorf("%w: peer walker %d has no log-density", ErrFrameCorrupt, i)
		}
	}
	return x.peer, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrPeerTimeout) {
		return fmt.Errorf("%w: %w", ErrPeerTimeout, err)
	}
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPeerTimeout):
		return reasonTimeout
	case errors.Is(err, ErrPeerFailure):
		return reasonPeer
	case errors.Is(err, ErrFrameTooLarge):
		return reasonTooLarge
	case errors.Is(err, ErrFrameCorrupt), errors.Is(err, core.ErrLayoutMismatch), errors.Is(err, ErrLadder):
		return reasonCorrupt
	case errors.Is(err, ErrTransportClosed):
		return reasonTransport
	default:
		return reasonLocal
	}
}
