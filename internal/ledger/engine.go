// internal/ledger/engine.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"lendingbot/internal/command"
	"lendingbot/internal/money"
)

// Converter supplies conversion rates between supported currencies at
// processing time. Implemented by convert.Converter.
type Converter interface {
	Convert(ctx context.Context, amount money.Money, target string) (money.Money, error)
	Rate(ctx context.Context, source, target string) (float64, error)
}

// maxAmountMinor bounds amounts fed through float64 rate math; above 2^53
// minor units the conversion would silently lose integer precision.
const maxAmountMinor = int64(1) << 53

// Outcome is the result of applying one command: the generated reply and
// whether this was a replay of an already-processed event.
type Outcome struct {
	Reply     string
	Duplicate bool
}

// Engine applies authorized commands as atomic state transitions against
// the ledger store.
type Engine struct {
	store     Store
	converter Converter
	logger    *slog.Logger
	now       func() time.Time

	// repayUnpaid keeps loans already marked unpaid eligible for repayment
	// allocation. A fully covered unpaid loan transitions to repaid.
	repayUnpaid bool
}

func NewEngine(store Store, converter Converter, repayUnpaid bool, logger *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		converter:   converter,
		logger:      logger,
		now:         time.Now,
		repayUnpaid: repayUnpaid,
	}
}

// Apply runs one command to completion. ThreadAuthor is the author of the
// thread the command was posted on; the loan verb uses it as the borrower.
// Read-only verbs skip the dedup transaction since they have no effect to
// duplicate. Dependency failures (conversion rates, store errors) propagate
// as errors with no mutation committed; everything else becomes a reply.
func (e *Engine) Apply(ctx context.Context, cmd *command.Command, threadAuthor string) (Outcome, error) {
	switch cmd.Verb {
	case command.VerbPing:
		return Outcome{Reply: "Pong!"}, nil
	case command.VerbCheck:
		return e.check(ctx, cmd)
	case command.VerbLoan:
		return e.mutate(ctx, cmd.EventID, func(tx Tx) (string, error) {
			return e.loan(ctx, tx, cmd, threadAuthor)
		})
	case command.VerbPaid:
		return e.mutate(ctx, cmd.EventID, func(tx Tx) (string, error) {
			return e.paid(ctx, tx, cmd)
		})
	case command.VerbConfirm:
		return e.mutate(ctx, cmd.EventID, func(tx Tx) (string, error) {
			return e.confirm(ctx, tx, cmd)
		})
	case command.VerbUnpaid:
		return e.mutate(ctx, cmd.EventID, func(tx Tx) (string, error) {
			return e.unpaid(ctx, tx, cmd)
		})
	case command.VerbPaidWithID:
		return e.mutate(ctx, cmd.EventID, func(tx Tx) (string, error) {
			return e.paidWithID(ctx, tx, cmd)
		})
	}
	return Outcome{}, fmt.Errorf("unknown verb %q", cmd.Verb)
}

// mutate wraps a verb handler in one transaction with the dedup protocol:
// check the marker, run the handler, insert the marker, commit. Replays
// return the stored reply without reapplying the effect, including when a
// concurrent process wins the marker race at insert time.
func (e *Engine) mutate(ctx context.Context, eventID string, fn func(tx Tx) (string, error)) (Outcome, error) {
	var out Outcome
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		reply, done, err := tx.ProcessedReply(ctx, eventID)
		if err != nil {
			return err
		}
		if done {
			out = Outcome{Reply: reply, Duplicate: true}
			return nil
		}
		reply, err = fn(tx)
		if err != nil {
			return err
		}
		if err := tx.InsertProcessed(ctx, eventID, reply); err != nil {
			return err
		}
		out = Outcome{Reply: reply}
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		// Lost the insert race; the other process's outcome is authoritative.
		replayErr := e.store.RunInTx(ctx, func(tx Tx) error {
			reply, done, err := tx.ProcessedReply(ctx, eventID)
			if err != nil {
				return err
			}
			if !done {
				return ErrDuplicateEvent
			}
			out = Outcome{Reply: reply, Duplicate: true}
			return nil
		})
		if replayErr != nil {
			return Outcome{}, replayErr
		}
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (e *Engine) check(ctx context.Context, cmd *command.Command) (Outcome, error) {
	summary, err := e.store.UserSummary(ctx, cmd.Target)
	if err != nil {
		return Outcome{}, err
	}
	reply := fmt.Sprintf(
		"/u/%s has %d loans as lender and %d as borrower (%d active, %d unpaid as borrower).",
		summary.Username, summary.LoansAsLender, summary.LoansAsBorrower,
		summary.ActiveBorrowed, summary.UnpaidBorrowed,
	)
	return Outcome{Reply: reply}, nil
}

func (e *Engine) loan(ctx context.Context, tx Tx, cmd *command.Command, threadAuthor string) (string, error) {
	if cmd.Amount.Minor <= 0 {
		return "A loan must be for a positive amount.", nil
	}
	if cmd.Amount.Minor > maxAmountMinor {
		return "That amount is too large to record.", nil
	}
	if threadAuthor == "" {
		return "A loan needs a thread author to borrow; $loan only works on a thread.", nil
	}
	if threadAuthor == cmd.Issuer {
		return fmt.Sprintf("/u/%s cannot open a loan with themselves.", cmd.Issuer), nil
	}

	principal := cmd.Amount
	if cmd.AsCurrency != "" && cmd.AsCurrency != principal.Currency {
		converted, err := e.converter.Convert(ctx, principal, cmd.AsCurrency)
		if err != nil {
			return "", err
		}
		principal = converted
	}

	id, err := tx.CreateLoan(ctx, &Loan{
		Lender:    cmd.Issuer,
		Borrower:  threadAuthor,
		Principal: principal,
		Status:    StatusActive,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("loan created",
		slog.Int64("loan_id", id),
		slog.String("lender", cmd.Issuer),
		slog.String("borrower", threadAuthor),
		slog.String("principal", principal.String()),
	)
	return fmt.Sprintf(
		"Noted: /u/%s lent %s to /u/%s. The loan id is %d.",
		cmd.Issuer, principal.String(), threadAuthor, id,
	), nil
}

func (e *Engine) paid(ctx context.Context, tx Tx, cmd *command.Command) (string, error) {
	if cmd.Amount.Minor <= 0 {
		return "A repayment must be for a positive amount.", nil
	}
	if cmd.Amount.Minor > maxAmountMinor {
		return "That amount is too large to record.", nil
	}
	loans, err := tx.OpenLoans(ctx, cmd.Issuer, cmd.Target, e.repayUnpaid)
	if err != nil {
		return "", err
	}
	if len(loans) == 0 {
		return fmt.Sprintf("No outstanding loans from /u/%s to /u/%s.", cmd.Target, cmd.Issuer), nil
	}

	remaining := cmd.Amount
	var repaidLoans int
	var appliedTotal []money.Money
	for _, loan := range loans {
		if remaining.Minor <= 0 {
			break
		}
		applied, left, err := e.applyToLoan(ctx, tx, loan, remaining, cmd.EventID)
		if err != nil {
			return "", err
		}
		remaining = left
		if applied.Minor > 0 {
			appliedTotal = append(appliedTotal, applied)
			if loan.RepaidMinor+applied.Minor >= loan.Principal.Minor {
				repaidLoans++
			}
		}
	}
	// Any remainder past the last eligible loan is discarded, never banked.

	reply := fmt.Sprintf("Recorded that /u/%s repaid /u/%s", cmd.Target, cmd.Issuer)
	for i, a := range appliedTotal {
		if i == 0 {
			reply += " " + a.String()
		} else {
			reply += " + " + a.String()
		}
	}
	reply += fmt.Sprintf(" across %d loan(s); %d now fully repaid.", len(appliedTotal), repaidLoans)
	if remaining.Minor > 0 {
		reply += fmt.Sprintf(" %s exceeded the outstanding principal and was not recorded.", remaining.String())
	}
	return reply, nil
}

// applyToLoan applies up to remaining against one loan, converting to the
// loan's principal currency when they differ. It returns the amount applied
// in the loan currency and what is left of remaining in its own currency.
// The applied amount is clamped so cumulative repayment never exceeds the
// principal; minor units round up on conversion in the loan's favor.
func (e *Engine) applyToLoan(ctx context.Context, tx Tx, loan *Loan, remaining money.Money, eventID string) (money.Money, money.Money, error) {
	outstanding := loan.Outstanding()
	if outstanding <= 0 {
		return money.Money{}, remaining, nil
	}

	var applied money.Money
	if loan.Principal.Currency == remaining.Currency {
		n := min64(outstanding, remaining.Minor)
		applied = money.New(n, loan.Principal.Currency)
		remaining = money.New(remaining.Minor-n, remaining.Currency)
	} else {
		rate, err := e.converter.Rate(ctx, remaining.Currency, loan.Principal.Currency)
		if err != nil {
			return money.Money{}, remaining, err
		}
		converted := int64(math.Ceil(float64(remaining.Minor) * rate))
		n := min64(outstanding, converted)
		applied = money.New(n, loan.Principal.Currency)
		usedInGiven := int64(math.Ceil(float64(n) / rate))
		left := remaining.Minor - usedInGiven
		if left < 0 {
			left = 0
		}
		remaining = money.New(left, remaining.Currency)
	}

	if err := tx.AddRepayment(ctx, loan.ID, applied, eventID); err != nil {
		return money.Money{}, remaining, err
	}
	newRepaid := loan.RepaidMinor + applied.Minor
	full := newRepaid >= loan.Principal.Minor
	if err := tx.SetRepaidAmount(ctx, loan.ID, newRepaid, full); err != nil {
		return money.Money{}, remaining, err
	}
	if full {
		e.logger.Info("loan repaid", slog.Int64("loan_id", loan.ID))
	}
	return applied, remaining, nil
}

func (e *Engine) confirm(ctx context.Context, tx Tx, cmd *command.Command) (string, error) {
	loan, err := tx.LatestUnconfirmedLoan(ctx, cmd.Target, cmd.Issuer, cmd.Amount)
	if errors.Is(err, ErrNoSuchLoan) {
		return fmt.Sprintf(
			"Could not find a loan of %s from /u/%s to /u/%s to confirm.",
			cmd.Amount.String(), cmd.Target, cmd.Issuer,
		), nil
	}
	if err != nil {
		return "", err
	}
	if loan.ConfirmedAt != nil {
		return fmt.Sprintf("Loan %d was already confirmed.", loan.ID), nil
	}
	if err := tx.SetConfirmed(ctx, loan.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"/u/%s confirms receiving %s from /u/%s (loan %d).",
		cmd.Issuer, cmd.Amount.String(), cmd.Target, loan.ID,
	), nil
}

func (e *Engine) unpaid(ctx context.Context, tx Tx, cmd *command.Command) (string, error) {
	loans, err := tx.OpenLoans(ctx, cmd.Issuer, cmd.Target, false)
	if err != nil {
		return "", err
	}
	if len(loans) == 0 {
		return fmt.Sprintf("No active loans from /u/%s to /u/%s.", cmd.Target, cmd.Issuer), nil
	}
	for _, loan := range loans {
		if err := tx.MarkUnpaid(ctx, loan.ID); err != nil {
			return "", err
		}
	}
	e.logger.Info("loans marked unpaid",
		slog.String("lender", cmd.Issuer),
		slog.String("borrower", cmd.Target),
		slog.Int("count", len(loans)),
	)
	return fmt.Sprintf(
		"Marked %d loan(s) from /u/%s to /u/%s as unpaid.",
		len(loans), cmd.Target, cmd.Issuer,
	), nil
}

func (e *Engine) paidWithID(ctx context.Context, tx Tx, cmd *command.Command) (string, error) {
	if cmd.Amount.Minor <= 0 {
		return "A repayment must be for a positive amount.", nil
	}
	if cmd.Amount.Minor > maxAmountMinor {
		return "That amount is too large to record.", nil
	}
	loan, err := tx.LoanByID(ctx, cmd.LoanID)
	if errors.Is(err, ErrNoSuchLoan) {
		return fmt.Sprintf("There is no loan %d.", cmd.LoanID), nil
	}
	if err != nil {
		return "", err
	}
	if loan.Lender != cmd.Issuer {
		return fmt.Sprintf("Loan %d is not owed to /u/%s.", cmd.LoanID, cmd.Issuer), nil
	}
	if loan.Outstanding() <= 0 {
		return fmt.Sprintf("Loan %d is already fully repaid.", cmd.LoanID), nil
	}
	if loan.Status == StatusUnpaid && !e.repayUnpaid {
		return fmt.Sprintf("Loan %d is marked unpaid and closed to repayments.", cmd.LoanID), nil
	}

	// This verb targets exactly one loan: excess beyond its remaining
	// principal is discarded, never rolled over.
	applied, remaining, err := e.applyToLoan(ctx, tx, loan, cmd.Amount, cmd.EventID)
	if err != nil {
		return "", err
	}
	reply := fmt.Sprintf("Applied %s to loan %d.", applied.String(), loan.ID)
	if loan.RepaidMinor+applied.Minor >= loan.Principal.Minor {
		reply = fmt.Sprintf("Applied %s to loan %d; the loan is now fully repaid.", applied.String(), loan.ID)
	}
	if remaining.Minor > 0 {
		reply += fmt.Sprintf(" %s exceeded the remaining principal and was not recorded.", remaining.String())
	}
	return reply, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
