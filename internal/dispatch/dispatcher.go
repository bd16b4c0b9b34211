// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lendingbot/internal/command"
	"lendingbot/internal/convert"
	"lendingbot/internal/ledger"
	"lendingbot/internal/queue"
	"lendingbot/internal/reputation"
)

// Gate authorizes an issuer before the ledger is touched. Implemented by
// reputation.Gate.
type Gate interface {
	Check(ctx context.Context, issuer, subreddit string, suppressed bool) (reputation.Decision, error)
}

// Dispatcher is the top-level orchestrator for one event source: it runs
// matcher, gate and ledger engine over each inbound event and emits the
// correlated reply. It is single-threaded; correctness across the several
// dispatcher processes comes entirely from the shared backing stores.
type Dispatcher struct {
	consumer  queue.Consumer
	publisher queue.Publisher
	matcher   *command.Matcher
	gate      Gate
	engine    *ledger.Engine
	logger    *slog.Logger

	// replyOnDenial controls whether ineligible issuers are told so or
	// silently ignored.
	replyOnDenial bool
}

func New(consumer queue.Consumer, publisher queue.Publisher, matcher *command.Matcher, gate Gate, engine *ledger.Engine, replyOnDenial bool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		consumer:      consumer,
		publisher:     publisher,
		matcher:       matcher,
		gate:          gate,
		engine:        engine,
		logger:        logger,
		replyOnDenial: replyOnDenial,
	}
}

// Run consumes events until the context is cancelled. Each event is handled
// to completion, including its reply, before the next one is started. A
// processing failure leaves the event uncommitted so the queue redelivers
// it; nothing here is fatal to the process.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.consumer.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return queue.ErrClosed
			}
			if err := d.handle(ctx, ev); err != nil {
				d.logger.Warn("event left for redelivery",
					slog.String("event_id", ev.EventID),
					slog.Any("error", err),
				)
				continue
			}
			if err := d.consumer.Commit(ctx, ev); err != nil && ctx.Err() == nil {
				d.logger.Error("commit failed", slog.String("event_id", ev.EventID), slog.Any("error", err))
			}
		}
	}
}

// Handle processes a single inbound event. A nil return means the event is
// finished and may be acknowledged; a non-nil return means no ledger effect
// was committed and the event should be redelivered.
func (d *Dispatcher) Handle(ctx context.Context, ev *queue.InboundEvent) error {
	return d.handle(ctx, ev)
}

func (d *Dispatcher) handle(ctx context.Context, ev *queue.InboundEvent) error {
	cmd, err := d.matcher.Match(ev.RawText, ev.Issuer, ev.EventID)

	var malformed *command.MalformedError
	if errors.As(err, &malformed) {
		// Command found but its arguments did not decode: usage hint, no
		// ledger effect, never a processing failure.
		return d.reply(ctx, ev, fmt.Sprintf("Could not read that %s command. Usage: %s", malformed.Verb, malformed.Usage))
	}
	if err != nil {
		return err
	}
	if cmd == nil {
		// Plain discussion.
		return nil
	}

	decision, err := d.gate.Check(ctx, ev.Issuer, ev.Subreddit, ev.ModerationFlag)
	if err != nil {
		// Fail closed: reputation unavailable aborts the command with no
		// mutation and the event retries via redelivery.
		return fmt.Errorf("eligibility check for %s: %w", ev.Issuer, err)
	}
	if !decision.Allowed {
		d.logger.Info("command denied",
			slog.String("event_id", ev.EventID),
			slog.String("issuer", ev.Issuer),
			slog.String("verb", string(cmd.Verb)),
			slog.String("reason", decision.Reason),
		)
		if !d.replyOnDenial {
			return nil
		}
		return d.reply(ctx, ev, fmt.Sprintf("/u/%s is not eligible to use commands here (%s).", ev.Issuer, decision.Reason))
	}

	outcome, err := d.engine.Apply(ctx, cmd, ev.ThreadAuthor)
	if errors.Is(err, convert.ErrRateUnavailable) {
		// Best-effort notice; the event is not committed, so redelivery
		// will retry once rates are back.
		_ = d.reply(ctx, ev, "Currency conversion is unavailable right now; please try again later.")
		return err
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", cmd.Verb, err)
	}

	if outcome.Duplicate {
		d.logger.Debug("duplicate event replayed", slog.String("event_id", ev.EventID))
	}
	return d.reply(ctx, ev, outcome.Reply)
}

func (d *Dispatcher) reply(ctx context.Context, ev *queue.InboundEvent, text string) error {
	if text == "" {
		return nil
	}
	if err := d.publisher.Publish(ctx, queue.Reply{EventID: ev.EventID, Text: text}); err != nil {
		return fmt.Errorf("publish reply for %s: %w", ev.EventID, err)
	}
	return nil
}
