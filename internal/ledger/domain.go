// internal/ledger/domain.go
package ledger

import (
	"context"
	"errors"
	"time"

	"lendingbot/internal/money"
)

// Status is the lifecycle state of a loan. Loans are never physically
// deleted; they only transition between statuses.
type Status string

const (
	StatusActive Status = "active"
	StatusRepaid Status = "repaid"
	StatusUnpaid Status = "unpaid"
)

// Loan is one loan between two users. The principal is fixed at creation;
// only the accumulated-repayment bookkeeping changes afterwards.
type Loan struct {
	ID          int64       `json:"id"`
	Lender      string      `json:"lender"`
	Borrower    string      `json:"borrower"`
	Principal   money.Money `json:"principal"`
	RepaidMinor int64       `json:"repaid_minor"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	RepaidAt    *time.Time  `json:"repaid_at,omitempty"`
	UnpaidAt    *time.Time  `json:"unpaid_at,omitempty"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty"`
}

// Outstanding returns the unpaid part of the principal in minor units.
func (l *Loan) Outstanding() int64 {
	return l.Principal.Minor - l.RepaidMinor
}

// Repayment is one application of money against a loan, recorded in the
// loan's principal currency. Append-only.
type Repayment struct {
	ID        int64       `json:"id"`
	LoanID    int64       `json:"loan_id"`
	Applied   money.Money `json:"applied"`
	EventID   string      `json:"event_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// UserSummary aggregates a user's loan history for the check view.
type UserSummary struct {
	Username        string `json:"username"`
	LoansAsLender   int    `json:"loans_as_lender"`
	LoansAsBorrower int    `json:"loans_as_borrower"`
	ActiveBorrowed  int    `json:"active_borrowed"`
	UnpaidBorrowed  int    `json:"unpaid_borrowed"`
}

var (
	// ErrNoSuchLoan reports a repayment against a loan id that does not
	// exist in the ledger.
	ErrNoSuchLoan = errors.New("no such loan")
	// ErrAlreadyRepaid reports a repayment against a fully repaid loan.
	ErrAlreadyRepaid = errors.New("loan already repaid")
	// ErrDuplicateEvent reports that the origin event was already applied;
	// the caller short-circuits to the previously recorded outcome.
	ErrDuplicateEvent = errors.New("event already processed")
)

// Tx is one atomic unit of ledger work. Either everything done through a Tx
// commits or nothing does, which is what keeps independently running
// dispatcher processes from double-applying or interleaving partial effects.
type Tx interface {
	// ProcessedReply returns the stored reply for an origin event id, if
	// the event was already durably applied.
	ProcessedReply(ctx context.Context, eventID string) (string, bool, error)
	// InsertProcessed records the dedup marker with the outcome summary.
	// Returns ErrDuplicateEvent if another process won the race.
	InsertProcessed(ctx context.Context, eventID, reply string) error

	CreateLoan(ctx context.Context, loan *Loan) (int64, error)
	LoanByID(ctx context.Context, id int64) (*Loan, error)
	// OpenLoans returns the not-yet-repaid loans from borrower to lender in
	// FIFO order by creation time. includeUnpaid controls whether loans
	// already marked unpaid stay eligible for repayment allocation.
	OpenLoans(ctx context.Context, lender, borrower string, includeUnpaid bool) ([]*Loan, error)
	AddRepayment(ctx context.Context, loanID int64, applied money.Money, eventID string) error
	// SetRepaidAmount updates the cumulative repayment bookkeeping and, when
	// the principal is covered, transitions the loan to repaid.
	SetRepaidAmount(ctx context.Context, loanID, repaidMinor int64, fullyRepaid bool) error
	MarkUnpaid(ctx context.Context, loanID int64) error
	SetConfirmed(ctx context.Context, loanID int64) error
	// LatestUnconfirmedLoan finds the most recent open loan from lender to
	// borrower with no repayments yet that matches the tendered amount.
	LatestUnconfirmedLoan(ctx context.Context, lender, borrower string, amount money.Money) (*Loan, error)
}

// Store is the transactional ledger store contract.
type Store interface {
	// RunInTx runs fn inside one atomic, isolated transaction, committing
	// when fn returns nil and rolling back otherwise.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Read-only paths used by the check verb and the HTTP API.
	UserSummary(ctx context.Context, username string) (UserSummary, error)
	UserLoans(ctx context.Context, username string) ([]*Loan, error)
	GetLoan(ctx context.Context, id int64) (*Loan, error)
}
