// internal/ledger/postgres.go
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lendingbot/internal/money"
)

// PostgresStore persists loans, repayments and dedup markers in PostgreSQL.
// Mutations run under serializable isolation so that two dispatcher
// processes racing on the same event or the same loan cannot interleave
// partial effects.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("lendingbot/ledger"),
	}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "ledger.tx")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		span.SetAttributes(attribute.Bool("tx.rolled_back", true))
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const loanColumns = `id, lender, borrower, principal_minor, currency, repaid_minor, status, created_at, repaid_at, unpaid_at, confirmed_at`

func scanLoan(row interface{ Scan(...any) error }) (*Loan, error) {
	var (
		loan     Loan
		minor    int64
		currency string
	)
	err := row.Scan(
		&loan.ID,
		&loan.Lender,
		&loan.Borrower,
		&minor,
		&currency,
		&loan.RepaidMinor,
		&loan.Status,
		&loan.CreatedAt,
		&loan.RepaidAt,
		&loan.UnpaidAt,
		&loan.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	loan.Principal = money.New(minor, currency)
	return &loan, nil
}

func (s *PostgresStore) UserSummary(ctx context.Context, username string) (UserSummary, error) {
	summary := UserSummary{Username: username}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE lender = $1),
			COUNT(*) FILTER (WHERE borrower = $1),
			COUNT(*) FILTER (WHERE borrower = $1 AND status = 'active'),
			COUNT(*) FILTER (WHERE borrower = $1 AND status = 'unpaid')
		FROM loans
		WHERE lender = $1 OR borrower = $1
	`, username).Scan(
		&summary.LoansAsLender,
		&summary.LoansAsBorrower,
		&summary.ActiveBorrowed,
		&summary.UnpaidBorrowed,
	)
	if err != nil {
		return UserSummary{}, fmt.Errorf("query user summary: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) UserLoans(ctx context.Context, username string) ([]*Loan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE lender = $1 OR borrower = $1
		ORDER BY created_at ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("query user loans: %w", err)
	}
	defer rows.Close()

	var loans []*Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

func (s *PostgresStore) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	loan, err := scanLoan(s.db.QueryRowContext(ctx, `
		SELECT `+loanColumns+` FROM loans WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchLoan
	}
	if err != nil {
		return nil, fmt.Errorf("query loan: %w", err)
	}
	return loan, nil
}

// pgTx implements Tx on one open transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ProcessedReply(ctx context.Context, eventID string) (string, bool, error) {
	var reply string
	err := t.tx.QueryRowContext(ctx, `
		SELECT reply FROM processed_events WHERE event_id = $1
	`, eventID).Scan(&reply)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query processed event: %w", err)
	}
	return reply, true, nil
}

func (t *pgTx) InsertProcessed(ctx context.Context, eventID, reply string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, reply, created_at)
		VALUES ($1, $2, $3)
	`, eventID, reply, time.Now().UTC())
	if err != nil {
		// Unique violation means another process durably applied this
		// event between our check and our insert.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

func (t *pgTx) CreateLoan(ctx context.Context, loan *Loan) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO loans (lender, borrower, principal_minor, currency, repaid_minor, status, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		RETURNING id
	`, loan.Lender, loan.Borrower, loan.Principal.Minor, loan.Principal.Currency, StatusActive, loan.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert loan: %w", err)
	}
	return id, nil
}

func (t *pgTx) LoanByID(ctx context.Context, id int64) (*Loan, error) {
	loan, err := scanLoan(t.tx.QueryRowContext(ctx, `
		SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchLoan
	}
	if err != nil {
		return nil, fmt.Errorf("query loan: %w", err)
	}
	return loan, nil
}

func (t *pgTx) OpenLoans(ctx context.Context, lender, borrower string, includeUnpaid bool) ([]*Loan, error) {
	statuses := []string{string(StatusActive)}
	if includeUnpaid {
		statuses = append(statuses, string(StatusUnpaid))
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE lender = $1 AND borrower = $2 AND status = ANY($3)
		ORDER BY created_at ASC
		FOR UPDATE
	`, lender, borrower, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("query open loans: %w", err)
	}
	defer rows.Close()

	var loans []*Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

func (t *pgTx) AddRepayment(ctx context.Context, loanID int64, applied money.Money, eventID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO repayments (loan_id, applied_minor, currency, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, loanID, applied.Minor, applied.Currency, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert repayment: %w", err)
	}
	return nil
}

func (t *pgTx) SetRepaidAmount(ctx context.Context, loanID, repaidMinor int64, fullyRepaid bool) error {
	var err error
	if fullyRepaid {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE loans
			SET repaid_minor = $1, status = $2, repaid_at = NOW(), unpaid_at = NULL
			WHERE id = $3
		`, repaidMinor, StatusRepaid, loanID)
	} else {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE loans SET repaid_minor = $1 WHERE id = $2
		`, repaidMinor, loanID)
	}
	if err != nil {
		return fmt.Errorf("update loan repayment: %w", err)
	}
	return nil
}

func (t *pgTx) MarkUnpaid(ctx context.Context, loanID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE loans SET status = $1, unpaid_at = NOW() WHERE id = $2
	`, StatusUnpaid, loanID)
	if err != nil {
		return fmt.Errorf("mark loan unpaid: %w", err)
	}
	return nil
}

func (t *pgTx) SetConfirmed(ctx context.Context, loanID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE loans SET confirmed_at = NOW() WHERE id = $1 AND confirmed_at IS NULL
	`, loanID)
	if err != nil {
		return fmt.Errorf("confirm loan: %w", err)
	}
	return nil
}

func (t *pgTx) LatestUnconfirmedLoan(ctx context.Context, lender, borrower string, amount money.Money) (*Loan, error) {
	loan, err := scanLoan(t.tx.QueryRowContext(ctx, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE lender = $1 AND borrower = $2
		  AND repaid_minor = 0 AND status != $3
		  AND currency = $4 AND principal_minor = $5
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, lender, borrower, StatusRepaid, amount.Currency, amount.Minor))
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchLoan
	}
	if err != nil {
		return nil, fmt.Errorf("query unconfirmed loan: %w", err)
	}
	return loan, nil
}

// Schema is the ledger DDL, applied by deploy tooling and by the
// integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS loans (
	id BIGSERIAL PRIMARY KEY,
	lender TEXT NOT NULL,
	borrower TEXT NOT NULL,
	principal_minor BIGINT NOT NULL,
	currency CHAR(3) NOT NULL,
	repaid_minor BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	repaid_at TIMESTAMPTZ,
	unpaid_at TIMESTAMPTZ,
	confirmed_at TIMESTAMPTZ,
	CHECK (repaid_minor >= 0 AND repaid_minor <= principal_minor)
);
CREATE INDEX IF NOT EXISTS loans_pair_idx ON loans (lender, borrower, status, created_at);
CREATE INDEX IF NOT EXISTS loans_borrower_idx ON loans (borrower);

CREATE TABLE IF NOT EXISTS repayments (
	id BIGSERIAL PRIMARY KEY,
	loan_id BIGINT NOT NULL REFERENCES loans (id),
	applied_minor BIGINT NOT NULL,
	currency CHAR(3) NOT NULL,
	event_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS repayments_loan_idx ON repayments (loan_id);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	reply TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
