package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx    context.Context
	ledger *Ledger
	store  *store.SQLiteStore
	hook   *test.Hook
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := []Option{WithLogger(logger), WithClock(func() time.Time { return testNow })}
	return &testEnv{
		ctx:    context.Background(),
		ledger: NewLedger(s, append(base, opts...)...),
		store:  s,
		hook:   hook,
	}
}

func (e *testEnv) org(t *testing.T) *models.Organization {
	t.Helper()
	org, err := e.ledger.CreateOrganization(e.ctx, "Org "+uuid.NewString()[:8])
	require.NoError(t, err)
	return org
}

func (e *testEnv) customer(t *testing.T, orgID uuid.UUID) *models.Customer {
	t.Helper()
	c, err := e.ledger.CreateCustomer(e.ctx, orgID, "Staff "+uuid.NewString()[:4], "S-1")
	require.NoError(t, err)
	return c
}

// installment describes one row for addLoan. A settled row is flagged paid
// unless stale is set.
type installment struct {
	due   time.Time
	amt   string
	paid  string
	stale bool
}

// addLoan writes an ACTIVE loan with the given installments straight to
// storage, numbered from 1 in the order given.
func (e *testEnv) addLoan(t *testing.T, customerID uuid.UUID, rows ...installment) (*models.Loan, []*models.Repayment) {
	t.Helper()
	start := testNow
	loan := &models.Loan{
		ID:           uuid.New(),
		CustomerID:   customerID,
		Principal:    money.MustParse("100.00"),
		InterestRate: decimal.NewFromInt(6),
		TotalPayable: money.MustParse("100.00"),
		StartDate:    &start,
		Status:       models.LoanStatusActive,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	require.NoError(t, e.store.CreateLoan(e.ctx, loan))

	var repayments []*models.Repayment
	for i, row := range rows {
		paid := money.Zero
		if row.paid != "" {
			paid = money.MustParse(row.paid)
		}
		r := &models.Repayment{
			ID:                uuid.New(),
			LoanID:            loan.ID,
			InstallmentNumber: i + 1,
			DueDate:           row.due,
			AmountDue:         money.MustParse(row.amt),
			AmountPaid:        paid,
			CreatedAt:         testNow,
		}
		r.IsPaid = r.Settled() && !row.stale
		require.NoError(t, e.store.CreateRepayment(e.ctx, r))
		repayments = append(repayments, r)
	}
	return loan, repayments
}

// addTx stores an UNMATCHED transaction without applying it.
func (e *testEnv) addTx(t *testing.T, orgID uuid.UUID, amount string) *models.InboundTransaction {
	t.Helper()
	tx := &models.InboundTransaction{
		ID:             uuid.New(),
		OrganizationID: uuid.NullUUID{UUID: orgID, Valid: orgID != uuid.Nil},
		Amount:         money.MustParse(amount),
		Reference:      "REF-" + uuid.NewString(),
		PaidAt:         testNow.Add(time.Hour),
		MatchStatus:    models.MatchStatusUnmatched,
		CreatedAt:      testNow,
	}
	require.NoError(t, e.store.CreateTransaction(e.ctx, tx))
	return tx
}

func (e *testEnv) repayment(t *testing.T, id uuid.UUID) *models.Repayment {
	t.Helper()
	r, err := e.store.GetRepayment(e.ctx, id)
	require.NoError(t, err)
	return r
}

func (e *testEnv) loanStatus(t *testing.T, id uuid.UUID) models.LoanStatus {
	t.Helper()
	loan, err := e.store.GetLoan(e.ctx, id)
	require.NoError(t, err)
	return loan.Status
}

func (e *testEnv) txStatus(t *testing.T, id uuid.UUID) models.MatchStatus {
	t.Helper()
	tx, err := e.store.GetTransaction(e.ctx, id)
	require.NoError(t, err)
	return tx.MatchStatus
}

func (e *testEnv) allocatedTotal(t *testing.T, txID uuid.UUID) money.Money {
	t.Helper()
	allocs, err := e.store.ListAllocationsForTransaction(e.ctx, txID)
	require.NoError(t, err)
	total := money.Zero
	for _, a := range allocs {
		total = total.Add(a.AmountApplied)
	}
	return total
}

func monthly(n int) time.Time {
	return testNow.AddDate(0, 0, 30*n)
}

func mustDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func assertMoney(t *testing.T, want string, got money.Money, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want, got.String(), msgAndArgs...)
}

func TestCalculateTotalPayable(t *testing.T) {
	tests := []struct {
		principal string
		rate      int64
		tenor     int
		want      string
	}{
		{"1000.00", 6, 12, "1060.00"},
		{"1000.00", 6, 6, "1030.00"},
		{"250000.00", 6, 3, "253750.00"},
		{"333.33", 6, 7, "345.00"},
		{"100.00", 0, 12, "100.00"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%d%%x%d", tt.principal, tt.rate, tt.tenor), func(t *testing.T) {
			got := CalculateTotalPayable(money.MustParse(tt.principal), decimal.NewFromInt(tt.rate), tt.tenor)
			assertMoney(t, tt.want, got)
		})
	}
}

func TestBookLoan(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)

	loan, schedule, err := env.ledger.BookLoan(env.ctx, cust.ID, money.MustParse("1000.00"), 12)
	require.NoError(t, err)

	assertMoney(t, "1060.00", loan.TotalPayable)
	assert.Equal(t, models.LoanStatusActive, loan.Status)
	require.NotNil(t, loan.EndDate)
	assert.True(t, loan.EndDate.Equal(testNow.AddDate(0, 0, 360)))
	require.Len(t, schedule, 12)
	for i, r := range schedule {
		assert.Equal(t, i+1, r.InstallmentNumber)
		assertMoney(t, "88.33", r.AmountDue)
		assert.True(t, r.DueDate.Equal(monthly(i+1)), "installment %d due %s", i+1, r.DueDate)
	}

	stored, err := env.ledger.ListRepaymentsForLoan(env.ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 12)
}

func TestBookLoan_Validation(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)

	_, _, err := env.ledger.BookLoan(env.ctx, cust.ID, money.MustParse("1000.00"), 0)
	assert.ErrorIs(t, err, ErrInvalidTenor)

	_, _, err = env.ledger.BookLoan(env.ctx, cust.ID, money.Zero, 6)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = env.ledger.BookLoan(env.ctx, uuid.New(), money.MustParse("10.00"), 6)
	assert.ErrorIs(t, err, ErrMissingCustomer)
}

func TestCreateCustomer_UnknownOrganization(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.CreateCustomer(env.ctx, uuid.New(), "Ada", "S-9")
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	_, err = env.ledger.CreateOrganization(env.ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteLoan_CascadesAllocations(t *testing.T) {
	env := newTestEnv(t)
	org := env.org(t)
	cust := env.customer(t, org.ID)
	loan, _ := env.addLoan(t, cust.ID, installment{due: monthly(1), amt: "100.00"})
	tx := env.addTx(t, org.ID, "100.00")

	_, err := env.ledger.ApplyInboundTransaction(env.ctx, tx.ID)
	require.NoError(t, err)

	require.NoError(t, env.ledger.DeleteLoan(env.ctx, loan.ID))
	assertMoney(t, "0.00", env.allocatedTotal(t, tx.ID))

	_, err = env.ledger.GetLoan(env.ctx, loan.ID)
	assert.ErrorIs(t, err, ErrMissingLoan)
	assert.ErrorIs(t, env.ledger.DeleteLoan(env.ctx, loan.ID), ErrMissingLoan)
}
