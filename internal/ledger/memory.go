// internal/ledger/memory.go
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"lendingbot/internal/money"
)

// MemoryStore is an in-memory Store with the same transactional contract as
// the Postgres store: mutations run against a staged copy and are published
// only on commit. Used by unit tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	loans     map[int64]*Loan
	repays    []Repayment
	processed map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:    1,
		loans:     make(map[int64]*Loan),
		processed: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		nextID:    s.nextID,
		loans:     make(map[int64]*Loan, len(s.loans)),
		repays:    append([]Repayment(nil), s.repays...),
		processed: make(map[string]string, len(s.processed)),
	}
	for id, loan := range s.loans {
		cp := *loan
		tx.loans[id] = &cp
	}
	for k, v := range s.processed {
		tx.processed[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}
	s.nextID = tx.nextID
	s.loans = tx.loans
	s.repays = tx.repays
	s.processed = tx.processed
	return nil
}

func (s *MemoryStore) UserSummary(ctx context.Context, username string) (UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := UserSummary{Username: username}
	for _, loan := range s.loans {
		if loan.Lender == username {
			summary.LoansAsLender++
		}
		if loan.Borrower == username {
			summary.LoansAsBorrower++
			switch loan.Status {
			case StatusActive:
				summary.ActiveBorrowed++
			case StatusUnpaid:
				summary.UnpaidBorrowed++
			}
		}
	}
	return summary, nil
}

func (s *MemoryStore) UserLoans(ctx context.Context, username string) ([]*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var loans []*Loan
	for _, loan := range s.loans {
		if loan.Lender == username || loan.Borrower == username {
			cp := *loan
			loans = append(loans, &cp)
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (s *MemoryStore) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[id]
	if !ok {
		return nil, ErrNoSuchLoan
	}
	cp := *loan
	return &cp, nil
}

// Repayments returns all repayment records for a loan, for tests.
func (s *MemoryStore) Repayments(loanID int64) []Repayment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Repayment
	for _, r := range s.repays {
		if r.LoanID == loanID {
			out = append(out, r)
		}
	}
	return out
}

type memTx struct {
	nextID    int64
	loans     map[int64]*Loan
	repays    []Repayment
	processed map[string]string
}

var _ Tx = (*memTx)(nil)

func (t *memTx) ProcessedReply(ctx context.Context, eventID string) (string, bool, error) {
	reply, ok := t.processed[eventID]
	return reply, ok, nil
}

func (t *memTx) InsertProcessed(ctx context.Context, eventID, reply string) error {
	if _, ok := t.processed[eventID]; ok {
		return ErrDuplicateEvent
	}
	t.processed[eventID] = reply
	return nil
}

func (t *memTx) CreateLoan(ctx context.Context, loan *Loan) (int64, error) {
	cp := *loan
	cp.ID = t.nextID
	t.nextID++
	t.loans[cp.ID] = &cp
	return cp.ID, nil
}

func (t *memTx) LoanByID(ctx context.Context, id int64) (*Loan, error) {
	loan, ok := t.loans[id]
	if !ok {
		return nil, ErrNoSuchLoan
	}
	cp := *loan
	return &cp, nil
}

func (t *memTx) OpenLoans(ctx context.Context, lender, borrower string, includeUnpaid bool) ([]*Loan, error) {
	var loans []*Loan
	for _, loan := range t.loans {
		if loan.Lender != lender || loan.Borrower != borrower {
			continue
		}
		if loan.Status == StatusActive || (includeUnpaid && loan.Status == StatusUnpaid) {
			cp := *loan
			loans = append(loans, &cp)
		}
	}
	sort.Slice(loans, func(i, j int) bool {
		if loans[i].CreatedAt.Equal(loans[j].CreatedAt) {
			return loans[i].ID < loans[j].ID
		}
		return loans[i].CreatedAt.Before(loans[j].CreatedAt)
	})
	return loans, nil
}

func (t *memTx) AddRepayment(ctx context.Context, loanID int64, applied money.Money, eventID string) error {
	t.repays = append(t.repays, Repayment{
		ID:        int64(len(t.repays) + 1),
		LoanID:    loanID,
		Applied:   applied,
		EventID:   eventID,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (t *memTx) SetRepaidAmount(ctx context.Context, loanID, repaidMinor int64, fullyRepaid bool) error {
	loan, ok := t.loans[loanID]
	if !ok {
		return ErrNoSuchLoan
	}
	loan.RepaidMinor = repaidMinor
	if fullyRepaid {
		now := time.Now().UTC()
		loan.Status = StatusRepaid
		loan.RepaidAt = &now
		loan.UnpaidAt = nil
	}
	return nil
}

func (t *memTx) MarkUnpaid(ctx context.Context, loanID int64) error {
	loan, ok := t.loans[loanID]
	if !ok {
		return ErrNoSuchLoan
	}
	now := time.Now().UTC()
	loan.Status = StatusUnpaid
	loan.UnpaidAt = &now
	return nil
}

func (t *memTx) SetConfirmed(ctx context.Context, loanID int64) error {
	loan, ok := t.loans[loanID]
	if !ok {
		return ErrNoSuchLoan
	}
	if loan.ConfirmedAt == nil {
		now := time.Now().UTC()
		loan.ConfirmedAt = &now
	}
	return nil
}

func (t *memTx) LatestUnconfirmedLoan(ctx context.Context, lender, borrower string, amount money.Money) (*Loan, error) {
	var best *Loan
	for _, loan := range t.loans {
		if loan.Lender != lender || loan.Borrower != borrower {
			continue
		}
		if loan.RepaidMinor != 0 || loan.Status == StatusRepaid {
			continue
		}
		if loan.Principal.Currency != amount.Currency || loan.Principal.Minor != amount.Minor {
			continue
		}
		if best == nil || loan.CreatedAt.After(best.CreatedAt) {
			best = loan
		}
	}
	if best == nil {
		return nil, ErrNoSuchLoan
	}
	cp := *best
	return &cp, nil
}
