package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_WaterfallAndConservation(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	loan, reps := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "100.00"},
		installment{due: monthly(2), amt: "100.00"},
		installment{due: monthly(3), amt: "100.00"},
	)
	tx := env.addTx(t, org.ID, "250.00")

	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, res.AllocationsMade)
	assertMoney(t, "250.00", res.TotalApplied)
	assertMoney(t, "0.00", res.UnallocatedAmount)
	assert.Equal(t, models.MatchStatusMatched, res.MatchStatus)
	assert.Equal(t, org.ID, res.OrganizationID)
	assert.True(t, res.TotalApplied.Add(res.UnallocatedAmount).Equal(tx.Amount))
	assert.True(t, env.allocatedTotal(t, tx.ID).Equal(res.TotalApplied))

	first, third := env.repayment(t, reps[0].ID), env.repayment(t, reps[2].ID)
	assert.True(t, first.IsPaid)
	require.NotNil(t, first.PaidAt)
	assert.True(t, first.PaidAt.Equal(tx.PaidAt))
	assertMoney(t, "50.00", third.AmountPaid)
	assert.False(t, third.IsPaid)
	assert.Equal(t, models.LoanStatusActive, env.loanStatus(t, loan.ID))
	assert.Equal(t, models.MatchStatusMatched, env.txStatus(t, tx.ID))
}

func TestApply_OverpaymentLeavesResidueAndClosesLoan(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	loan, _ := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "33.33"},
		installment{due: monthly(2), amt: "33.33"},
		installment{due: monthly(3), amt: "33.34"},
	)
	tx := env.addTx(t, org.ID, "150.05")

	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)

	assertMoney(t, "100.00", res.TotalApplied)
	assertMoney(t, "50.05", res.UnallocatedAmount)
	assert.Equal(t, models.LoanStatusClosed, env.loanStatus(t, loan.ID))
}

func TestApply_FIFOAcrossLoans(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	jan := mustDate("2026-01-01")
	feb := mustDate("2026-02-01")

	// The later-due loan is created first to show ordering is by due date.
	_, febReps := env.addLoan(t, env.customer(t, org.ID).ID, installment{due: feb, amt: "100.00"})
	_, janReps := env.addLoan(t, env.customer(t, org.ID).ID, installment{due: jan, amt: "100.00"})
	tx := env.addTx(t, org.ID, "40.00")

	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AllocationsMade)

	assertMoney(t, "40.00", env.repayment(t, janReps[0].ID).AmountPaid)
	untouched := env.repayment(t, febReps[0].ID)
	assertMoney(t, "0.00", untouched.AmountPaid)
	assert.Nil(t, untouched.PaidAt)
}

func TestApply_InstallmentNumberBreaksTies(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	due := mustDate("2026-03-01")
	_, reps := env.addLoan(t, cust.ID,
		installment{due: due, amt: "10.00"},
		installment{due: due, amt: "10.00"},
	)
	tx := env.addTx(t, org.ID, "15.00")

	_, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assertMoney(t, "10.00", env.repayment(t, reps[0].ID).AmountPaid)
	assertMoney(t, "5.00", env.repayment(t, reps[1].ID).AmountPaid)
}

func TestApply_PartialPaymentBoundary(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	_, reps := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "100.00", paid: "60.00"},
		installment{due: monthly(2), amt: "100.00"},
	)
	tx := env.addTx(t, org.ID, "50.00")

	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AllocationsMade)

	first := env.repayment(t, reps[0].ID)
	assertMoney(t, "100.00", first.AmountPaid)
	assert.True(t, first.IsPaid)
	assertMoney(t, "10.00", env.repayment(t, reps[1].ID).AmountPaid)

	allocs, err := env.store.ListAllocationsForRepayment(env.ctx, reps[0].ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assertMoney(t, "40.00", allocs[0].AmountApplied)
}

func TestApply_NoDoubleAllocation(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	_, reps := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "100.00"},
		installment{due: monthly(2), amt: "100.00"},
	)
	tx := env.addTx(t, org.ID, "120.00")

	_, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	before := []*models.Repayment{env.repayment(t, reps[0].ID), env.repayment(t, reps[1].ID)}

	_, err = env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	assert.ErrorIs(t, err, ErrAlreadyAllocated)

	after := []*models.Repayment{env.repayment(t, reps[0].ID), env.repayment(t, reps[1].ID)}
	assert.Equal(t, before, after)
	assertMoney(t, "120.00", env.allocatedTotal(t, tx.ID))
}

func TestApply_Preconditions(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)

	_, err := env.ledger.ApplyInboundTransaction(env.ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	orphan := env.addTx(t, uuid.Nil, "10.00")
	_, err = env.ledger.ApplyInboundTransaction(env.ctx, orphan.ID)
	assert.ErrorIs(t, err, ErrMissingOrganization)

	zero := env.addTx(t, org.ID, "0.00")
	_, err = env.ledger.ApplyInboundTransaction(env.ctx, zero.ID)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, models.MatchStatusUnmatched, env.txStatus(t, zero.ID))
}

func TestApply_NothingOwedStaysUnmatched(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	tx := env.addTx(t, org.ID, "75.00")

	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.AllocationsMade)
	assertMoney(t, "75.00", res.UnallocatedAmount)
	assert.Equal(t, models.MatchStatusUnmatched, res.MatchStatus)

	// Still UNMATCHED, so it can be applied once something is owed.
	_, reps := env.addLoan(t, env.customer(t, org.ID).ID, installment{due: monthly(1), amt: "50.00"})
	res, err = env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assertMoney(t, "50.00", res.TotalApplied)
	assert.True(t, env.repayment(t, reps[0].ID).IsPaid)
}

func TestApply_RepairsSettledButUnflaggedInstallment(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	loan, reps := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "100.00", paid: "100.00", stale: true},
		installment{due: monthly(2), amt: "100.00"},
	)
	tx := env.addTx(t, org.ID, "30.00")

	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AllocationsMade)

	repaired := env.repayment(t, reps[0].ID)
	assert.True(t, repaired.IsPaid)
	assert.NotNil(t, repaired.PaidAt)
	allocs, err := env.store.ListAllocationsForRepayment(env.ctx, reps[0].ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
	assertMoney(t, "30.00", env.repayment(t, reps[1].ID).AmountPaid)
	assert.Equal(t, models.LoanStatusActive, env.loanStatus(t, loan.ID))

	var warned bool
	for _, e := range env.hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned, "data repair should be logged")
}

func TestApply_OrganizationsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	orgA, orgB := env.org(t), env.org(t)
	_, repsA := env.addLoan(t, env.customer(t, orgA.ID).ID, installment{due: monthly(2), amt: "100.00"})
	_, repsB := env.addLoan(t, env.customer(t, orgB.ID).ID, installment{due: monthly(1), amt: "100.00"})

	tx := env.addTx(t, orgA.ID, "100.00")
	_, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)

	assert.True(t, env.repayment(t, repsA[0].ID).IsPaid)
	assertMoney(t, "0.00", env.repayment(t, repsB[0].ID).AmountPaid)
}

// failingStore fails the Nth CreateAllocation inside a unit of work.
type failingStore struct {
	*store.SQLiteStore
	failOn int
}

var errInjected = errors.New("injected storage failure")

func (f *failingStore) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	return f.SQLiteStore.InTx(ctx, func(q store.Querier) error {
		return fn(&failingQuerier{Querier: q, left: f.failOn})
	})
}

type failingQuerier struct {
	store.Querier
	left int
}

func (f *failingQuerier) CreateAllocation(ctx context.Context, a *models.TransactionAllocation) error {
	f.left--
	if f.left == 0 {
		return errInjected
	}
	return f.Querier.CreateAllocation(ctx, a)
}

func TestApply_RollsBackOnStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	loan, reps := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "100.00"},
		installment{due: monthly(2), amt: "100.00"},
		installment{due: monthly(3), amt: "100.00"},
	)
	tx := env.addTx(t, org.ID, "300.00")

	broken := NewLedger(&failingStore{SQLiteStore: env.store, failOn: 2}, WithLogger(env.ledger.log))
	_, err := broken.ApplyInboundTransaction(env.ctx, tx.ID)
	require.ErrorIs(t, err, errInjected)

	for _, r := range reps {
		got := env.repayment(t, r.ID)
		assertMoney(t, "0.00", got.AmountPaid)
		assert.False(t, got.IsPaid)
		assert.Nil(t, got.PaidAt)
	}
	assertMoney(t, "0.00", env.allocatedTotal(t, tx.ID))
	assert.Equal(t, models.MatchStatusUnmatched, env.txStatus(t, tx.ID))
	assert.Equal(t, models.LoanStatusActive, env.loanStatus(t, loan.ID))

	// A retry on healthy storage behaves like the first attempt.
	res, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assertMoney(t, "300.00", res.TotalApplied)
	assert.Equal(t, models.LoanStatusClosed, env.loanStatus(t, loan.ID))
}

func TestApply_ConcurrentSameOrganization(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	_, reps := env.addLoan(t, cust.ID,
		installment{due: monthly(1), amt: "100.00"},
		installment{due: monthly(2), amt: "100.00"},
		installment{due: monthly(3), amt: "100.00"},
	)

	const workers = 8
	txs := make([]*models.InboundTransaction, workers)
	for i := range txs {
		txs[i] = env.addTx(t, org.ID, "50.00")
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for _, tx := range txs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := env.ledger.ApplyInboundTransaction(env.ctx, id); err != nil {
				errs <- err
			}
		}(tx.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	paid := money.Zero
	for _, r := range reps {
		got := env.repayment(t, r.ID)
		assert.True(t, got.AmountPaid.LessThanOrEqual(got.AmountDue), "installment %d over-allocated: %s", got.InstallmentNumber, got.AmountPaid)
		paid = paid.Add(got.AmountPaid)
	}
	assertMoney(t, "300.00", paid)

	allocated := money.Zero
	for _, tx := range txs {
		allocated = allocated.Add(env.allocatedTotal(t, tx.ID))
	}
	assertMoney(t, "300.00", allocated)
}
