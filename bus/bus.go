package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/native/common"
	"beetroot/storage"
)

var (
	// ErrClosed is returned when sending or registering on a stopped bus.
	ErrClosed = errors.New("bus: closed")
	// ErrUnknownActor is returned when no inbox exists for the destination.
	ErrUnknownActor = errors.New("bus: no inbox for destination")
)

// Handler processes one inbound envelope to completion and returns the
// messages to dispatch afterwards. State must be durable before Handle
// returns: the bus sends the outbound fan only once Handle has succeeded.
type Handler interface {
	Handle(env *messages.Envelope) ([]messages.Outbound, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(env *messages.Envelope) ([]messages.Outbound, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(env *messages.Envelope) ([]messages.Outbound, error) {
	return f(env)
}

// Bus delivers envelopes between registered actors. Each inbox is drained
// by a single goroutine, so an actor processes strictly one message at a
// time in arrival order. Delivery is at-least-once: the optional journal
// deduplicates by (destination, sender, op, query) so redeliveries are
// dropped. The sender is part of the identity because fan-in legs of one
// operation share an op and query id and differ only in origin.
type Bus struct {
	logger  *slog.Logger
	journal *storage.Journal
	nowFn   func() time.Time

	mu      sync.RWMutex
	inboxes map[crypto.Address]*inbox
	closed  bool
	wg      sync.WaitGroup
}

type inbox struct {
	addr    crypto.Address
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*messages.Envelope
	stopped bool
}

func newInbox(addr crypto.Address, handler Handler) *inbox {
	in := &inbox{addr: addr, handler: handler}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) push(env *messages.Envelope) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return false
	}
	in.queue = append(in.queue, env)
	in.cond.Signal()
	return true
}

func (in *inbox) next() (*messages.Envelope, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.queue) == 0 && !in.stopped {
		in.cond.Wait()
	}
	if len(in.queue) == 0 {
		return nil, false
	}
	env := in.queue[0]
	in.queue = in.queue[1:]
	return env, true
}

func (in *inbox) stop() {
	in.mu.Lock()
	in.stopped = true
	in.cond.Broadcast()
	in.mu.Unlock()
}

// New creates a bus. journal may be nil, in which case duplicate
// deliveries reach the handlers; engines tolerate that, at the cost of
// re-emitting their outbound fans.
func New(logger *slog.Logger, journal *storage.Journal) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger,
		journal: journal,
		nowFn:   time.Now,
		inboxes: make(map[crypto.Address]*inbox),
	}
}

// SetNowFunc overrides the journal timestamp source, for tests.
func (b *Bus) SetNowFunc(now func() time.Time) {
	if now != nil {
		b.nowFn = now
	}
}

// Register creates the inbox for addr and starts draining it.
func (b *Bus) Register(addr crypto.Address, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("bus: nil handler for %s", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.inboxes[addr]; ok {
		return fmt.Errorf("bus: inbox for %s already registered", addr)
	}
	in := newInbox(addr, handler)
	b.inboxes[addr] = in
	b.wg.Add(1)
	go b.run(in)
	return nil
}

// Send enqueues env for the actor at to. The envelope sender is left as
// the caller set it; Dispatch stamps outbound fans with their origin.
func (b *Bus) Send(to crypto.Address, env *messages.Envelope) error {
	if env == nil {
		return fmt.Errorf("bus: nil envelope")
	}
	b.mu.RLock()
	in, ok := b.inboxes[to]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, to)
	}
	if !in.push(env) {
		return ErrClosed
	}
	return nil
}

// Dispatch stamps each outbound envelope with its origin and sends it.
// Used by actors and by the daemon after calling a handler directly.
func (b *Bus) Dispatch(from crypto.Address, outs []messages.Outbound) {
	for _, out := range outs {
		if out.Env == nil {
			continue
		}
		out.Env.Sender = from
		if err := b.Send(out.To, out.Env); err != nil {
			b.logger.Warn("outbound message dropped",
				"from", from.String(),
				"to", out.To.String(),
				"op", out.Env.Op.String(),
				"query_id", out.Env.QueryID,
				"error", err,
			)
		}
	}
}

// Close stops all inboxes and waits for in-flight handling to finish.
// Queued but undelivered envelopes are dropped; senders redeliver.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	inboxes := make([]*inbox, 0, len(b.inboxes))
	for _, in := range b.inboxes {
		inboxes = append(inboxes, in)
	}
	b.mu.Unlock()
	for _, in := range inboxes {
		in.stop()
	}
	b.wg.Wait()
}

func deliveryKey(addr crypto.Address, env *messages.Envelope) string {
	return fmt.Sprintf("%s/%s/%d/%d", addr, env.Sender, uint32(env.Op), env.QueryID)
}

func (b *Bus) run(in *inbox) {
	defer b.wg.Done()
	for {
		env, ok := in.next()
		if !ok {
			return
		}
		b.deliver(in, env)
	}
}

func (b *Bus) deliver(in *inbox, env *messages.Envelope) {
	key := deliveryKey(in.addr, env)
	if b.journal != nil {
		seen, err := b.journal.Processed(key)
		if err != nil {
			b.logger.Error("delivery journal read failed", "key", key, "error", err)
			return
		}
		if seen {
			b.logger.Debug("duplicate delivery dropped",
				"actor", in.addr.String(),
				"op", env.Op.String(),
				"query_id", env.QueryID,
			)
			return
		}
	}

	outs, err := in.handler.Handle(env)
	if err != nil {
		var failure *common.Failure
		if errors.As(err, &failure) {
			// A rejection is terminal and idempotent; redelivery will be
			// rejected the same way, so it is not journaled.
			b.logger.Warn("message rejected",
				"actor", in.addr.String(),
				"op", env.Op.String(),
				"query_id", env.QueryID,
				"exit_code", uint16(failure.Code),
				"reason", failure.Reason,
			)
			return
		}
		b.logger.Error("message handling failed",
			"actor", in.addr.String(),
			"op", env.Op.String(),
			"query_id", env.QueryID,
			"error", err,
		)
		return
	}

	if b.journal != nil {
		if err := b.journal.MarkProcessed(key, b.nowFn()); err != nil {
			b.logger.Error("delivery journal write failed", "key", key, "error", err)
		}
	}
	b.Dispatch(in.addr, outs)
}
