package loansapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingbot/internal/ledger"
	"lendingbot/internal/money"
)

func seedLoan(t *testing.T, store *ledger.MemoryStore, lender, borrower string, principal money.Money, createdAt time.Time) int64 {
	t.Helper()
	var id int64
	err := store.RunInTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		id, err = tx.CreateLoan(context.Background(), &ledger.Loan{
			Lender:    lender,
			Borrower:  borrower,
			Principal: principal,
			Status:    ledger.StatusActive,
			CreatedAt: createdAt,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func newTestServer(t *testing.T) (*httptest.Server, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewHandler(store, logger).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func TestUserSummary(t *testing.T) {
	srv, store := newTestServer(t)
	now := time.Now().UTC()
	seedLoan(t, store, "sally", "joe", money.New(1500, "USD"), now)
	seedLoan(t, store, "sally", "joe", money.New(2000, "USD"), now.Add(time.Minute))

	resp, err := http.Get(srv.URL + "/users/joe/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary ledger.UserSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, "joe", summary.Username)
	assert.Equal(t, 2, summary.LoansAsBorrower)
	assert.Equal(t, 2, summary.ActiveBorrowed)
	assert.Zero(t, summary.LoansAsLender)
}

func TestUserSummaryInvalidUsername(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/users/bad%20name/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserLoansWithAfterFilter(t *testing.T) {
	srv, store := newTestServer(t)
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedLoan(t, store, "sally", "joe", money.New(1000, "USD"), old)
	wantID := seedLoan(t, store, "sally", "joe", money.New(2000, "USD"), recent)

	resp, err := http.Get(srv.URL + "/users/joe/loans?after=2024-01-01T00:00:00Z")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loans []*ledger.Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loans))
	require.Len(t, loans, 1)
	assert.Equal(t, wantID, loans[0].ID)
}

func TestUserLoansBadAfter(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/users/joe/loans?after=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserLoansEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/users/nobody/loans")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loans []*ledger.Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loans))
	assert.Empty(t, loans)
}

func TestGetLoan(t *testing.T) {
	srv, store := newTestServer(t)
	id := seedLoan(t, store, "sally", "joe", money.New(1500, "USD"), time.Now().UTC())

	resp, err := http.Get(srv.URL + "/loans/" + strconv.FormatInt(id, 10))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loan ledger.Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loan))
	assert.Equal(t, id, loan.ID)
	assert.Equal(t, money.New(1500, "USD"), loan.Principal)
}

func TestGetLoanNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/loans/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetLoanBadID(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/loans/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

