package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingbot/internal/command"
	"lendingbot/internal/convert"
	"lendingbot/internal/ledger"
	"lendingbot/internal/money"
	"lendingbot/internal/queue"
	"lendingbot/internal/reputation"
)

type capturePublisher struct {
	replies []queue.Reply
	err     error
}

func (p *capturePublisher) Publish(_ context.Context, reply queue.Reply) error {
	if p.err != nil {
		return p.err
	}
	p.replies = append(p.replies, reply)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type stubGate struct {
	allowed bool
	reason  string
	err     error
	calls   int
}

func (g *stubGate) Check(_ context.Context, _, _ string, suppressed bool) (reputation.Decision, error) {
	g.calls++
	if g.err != nil {
		return reputation.Decision{}, g.err
	}
	if suppressed {
		return reputation.Decision{Allowed: false, Reason: "comment removed by moderation"}, nil
	}
	return reputation.Decision{Allowed: g.allowed, Reason: g.reason}, nil
}

type stubConverter struct{ err error }

func (c *stubConverter) Convert(_ context.Context, amount money.Money, target string) (money.Money, error) {
	if c.err != nil {
		return money.Money{}, c.err
	}
	return money.New(amount.Minor, target), nil
}

func (c *stubConverter) Rate(_ context.Context, _, _ string) (float64, error) {
	if c.err != nil {
		return 0, c.err
	}
	return 1, nil
}

func newTestDispatcher(gate *stubGate, conv ledger.Converter, replyOnDenial bool) (*Dispatcher, *capturePublisher, *ledger.MemoryStore) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, conv, true, logger)
	pub := &capturePublisher{}
	d := New(nil, pub, command.NewMatcher(), gate, engine, replyOnDenial, logger)
	return d, pub, store
}

func event(id, text, issuer, threadAuthor string) *queue.InboundEvent {
	return &queue.InboundEvent{
		EventID:      id,
		Source:       queue.SourceComment,
		RawText:      text,
		Issuer:       issuer,
		ThreadAuthor: threadAuthor,
		Subreddit:    "borrow",
	}
}

func TestHandleLoanCommand(t *testing.T) {
	gate := &stubGate{allowed: true}
	d, pub, store := newTestDispatcher(gate, &stubConverter{}, true)

	err := d.Handle(context.Background(), event("ev-1", "$loan 15", "sally", "joe"))
	require.NoError(t, err)

	require.Len(t, pub.replies, 1)
	assert.Equal(t, "ev-1", pub.replies[0].EventID)
	assert.Contains(t, pub.replies[0].Text, "lent $15.00 USD")

	loans, err := store.UserLoans(context.Background(), "joe")
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestHandlePlainDiscussion(t *testing.T) {
	gate := &stubGate{allowed: true}
	d, pub, _ := newTestDispatcher(gate, &stubConverter{}, true)

	err := d.Handle(context.Background(), event("ev-1", "thanks, repaying friday", "sally", "joe"))
	require.NoError(t, err)
	assert.Empty(t, pub.replies)
	assert.Zero(t, gate.calls, "no command means no reputation lookup")
}

func TestHandleMalformedCommand(t *testing.T) {
	gate := &stubGate{allowed: true}
	d, pub, store := newTestDispatcher(gate, &stubConverter{}, true)

	err := d.Handle(context.Background(), event("ev-1", "$loan lots", "sally", "joe"))
	require.NoError(t, err)

	require.Len(t, pub.replies, 1)
	assert.Contains(t, pub.replies[0].Text, "Usage: $loan")
	assert.Zero(t, gate.calls, "malformed commands are answered before the gate")

	loans, err := store.UserLoans(context.Background(), "joe")
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestHandleDeniedWithReply(t *testing.T) {
	gate := &stubGate{allowed: false, reason: "insufficient reputation"}
	d, pub, store := newTestDispatcher(gate, &stubConverter{}, true)

	err := d.Handle(context.Background(), event("ev-1", "$loan 15", "newbie", "joe"))
	require.NoError(t, err)

	require.Len(t, pub.replies, 1)
	assert.Contains(t, pub.replies[0].Text, "not eligible")

	loans, err := store.UserLoans(context.Background(), "joe")
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestHandleDeniedSilently(t *testing.T) {
	gate := &stubGate{allowed: false, reason: "insufficient reputation"}
	d, pub, _ := newTestDispatcher(gate, &stubConverter{}, false)

	err := d.Handle(context.Background(), event("ev-1", "$loan 15", "newbie", "joe"))
	require.NoError(t, err)
	assert.Empty(t, pub.replies)
}

func TestHandleSuppressedEvent(t *testing.T) {
	gate := &stubGate{allowed: true}
	d, _, store := newTestDispatcher(gate, &stubConverter{}, false)

	ev := event("ev-1", "$loan 15", "sally", "joe")
	ev.ModerationFlag = true
	err := d.Handle(context.Background(), ev)
	require.NoError(t, err)

	loans, err := store.UserLoans(context.Background(), "joe")
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestHandleGateFailureLeavesEventForRedelivery(t *testing.T) {
	gate := &stubGate{err: reputation.ErrUnavailable}
	d, pub, _ := newTestDispatcher(gate, &stubConverter{}, true)

	err := d.Handle(context.Background(), event("ev-1", "$loan 15", "sally", "joe"))
	assert.ErrorIs(t, err, reputation.ErrUnavailable)
	assert.Empty(t, pub.replies)
}

func TestHandleRateUnavailable(t *testing.T) {
	gate := &stubGate{allowed: true}
	conv := &stubConverter{err: convert.ErrRateUnavailable}
	d, pub, store := newTestDispatcher(gate, conv, true)

	// A loan with an AS clause needs a conversion; with rates down the
	// issuer gets a notice and the event is left uncommitted.
	ev := event("ev-1", "$loan 15 AS EUR", "sally", "joe")
	err := d.Handle(context.Background(), ev)
	assert.ErrorIs(t, err, convert.ErrRateUnavailable)

	require.Len(t, pub.replies, 1)
	assert.Contains(t, pub.replies[0].Text, "try again later")

	loans, lerr := store.UserLoans(context.Background(), "joe")
	require.NoError(t, lerr)
	assert.Empty(t, loans)
}

// closedConsumer delivers a stream that ends immediately, as after a broker
// failure.
type closedConsumer struct{}

func (closedConsumer) Subscribe(_ context.Context) (<-chan *queue.InboundEvent, error) {
	ch := make(chan *queue.InboundEvent)
	close(ch)
	return ch, nil
}

func (closedConsumer) Commit(_ context.Context, _ *queue.InboundEvent) error { return nil }

func (closedConsumer) Close() error { return nil }

func TestRunReportsConsumerFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, &stubConverter{}, true, logger)
	d := New(closedConsumer{}, &capturePublisher{}, command.NewMatcher(), &stubGate{allowed: true}, engine, true, logger)

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, &stubConverter{}, true, logger)
	d := New(closedConsumer{}, &capturePublisher{}, command.NewMatcher(), &stubGate{allowed: true}, engine, true, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandlePublishFailure(t *testing.T) {
	gate := &stubGate{allowed: true}
	d, pub, _ := newTestDispatcher(gate, &stubConverter{}, true)
	pub.err = errors.New("broker down")

	err := d.Handle(context.Background(), event("ev-1", "$ping", "sally", ""))
	assert.Error(t, err)
}
