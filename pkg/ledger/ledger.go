package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/lock"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultInterestRatePercent is the flat yearly rate used by BookLoan.
	DefaultInterestRatePercent = 6
	defaultLockTimeout         = 10 * time.Second
	installmentCadenceDays     = 30
)

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// Ledger applies inbound remittances to loan installments and keeps the
// allocation trail consistent. Every mutating call runs as one storage
// transaction while holding the organization's lock.
type Ledger struct {
	storage      store.Storage
	locker       lock.Locker
	log          logrus.FieldLogger
	now          func() time.Time
	interestRate decimal.Decimal
	lockTimeout  time.Duration
	accountNo    func() (string, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the default in-process organization lock.
func WithLocker(l lock.Locker) Option {
	return func(led *Ledger) { led.locker = l }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(led *Ledger) { led.log = log }
}

// WithClock overrides the time source. Times are normalized to UTC.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = func() time.Time { return now().UTC() } }
}

// WithInterestRate sets the flat yearly rate, in percent, used by BookLoan.
func WithInterestRate(percent decimal.Decimal) Option {
	return func(led *Ledger) { led.interestRate = percent }
}

// WithLockTimeout bounds how long a call waits for the organization lock.
func WithLockTimeout(d time.Duration) Option {
	return func(led *Ledger) { led.lockTimeout = d }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:      s,
		locker:       lock.NewKeyedMutex(),
		log:          logrus.StandardLogger(),
		now:          func() time.Time { return time.Now().UTC() },
		interestRate: decimal.NewFromInt(DefaultInterestRatePercent),
		lockTimeout:  defaultLockTimeout,
		accountNo:    randomAccountNumber,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// withOrgLock runs fn while holding the organization's lock.
func (l *Ledger) withOrgLock(ctx context.Context, orgID uuid.UUID, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()

	unlock, err := l.locker.Lock(lockCtx, orgID.String())
	if err != nil {
		return fmt.Errorf("failed to lock organization %s: %w", orgID, err)
	}
	defer unlock()
	return fn()
}

// inOrgTx takes the organization lock, opens a storage transaction and takes
// the storage-level organization lock before calling fn.
func (l *Ledger) inOrgTx(ctx context.Context, orgID uuid.UUID, fn func(q store.Querier) error) error {
	return l.withOrgLock(ctx, orgID, func() error {
		return l.storage.InTx(ctx, func(q store.Querier) error {
			if err := q.LockOrganization(ctx, orgID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrOrganizationNotFound, orgID)
				}
				return err
			}
			return fn(q)
		})
	})
}

// CreateOrganization registers a partner organization.
func (l *Ledger) CreateOrganization(ctx context.Context, name string) (*models.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	org := &models.Organization{
		ID:        uuid.New(),
		Name:      name,
		IsActive:  true,
		CreatedAt: l.now(),
	}
	if err := l.storage.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("failed to store organization: %w", err)
	}
	return org, nil
}

// CreateCustomer registers a staff member of an organization.
func (l *Ledger) CreateCustomer(ctx context.Context, orgID uuid.UUID, fullName, staffID string) (*models.Customer, error) {
	if strings.TrimSpace(fullName) == "" {
		return nil, fmt.Errorf("%w: customer name is required", ErrInvalidInput)
	}
	if _, err := l.storage.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, orgID)
		}
		return nil, err
	}
	customer := &models.Customer{
		ID:             uuid.New(),
		OrganizationID: orgID,
		FullName:       strings.TrimSpace(fullName),
		StaffID:        strings.TrimSpace(staffID),
		CreatedAt:      l.now(),
	}
	if err := l.storage.CreateCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("failed to store customer: %w", err)
	}
	return customer, nil
}

// CalculateTotalPayable returns principal plus simple interest at ratePercent
// per year over tenorMonths, rounded to two places.
func CalculateTotalPayable(principal money.Money, ratePercent decimal.Decimal, tenorMonths int) money.Money {
	interest := principal.Decimal().
		Mul(ratePercent.Div(hundred)).
		Mul(decimal.NewFromInt(int64(tenorMonths))).
		Div(monthsInYear)
	return money.FromDecimal(principal.Decimal().Add(interest))
}

// BookLoan creates an ACTIVE loan for a customer with simple interest at the
// ledger's rate and generates its equal monthly installments.
func (l *Ledger) BookLoan(ctx context.Context, customerID uuid.UUID, principal money.Money, tenorMonths int) (*models.Loan, []*models.Repayment, error) {
	if tenorMonths <= 0 {
		return nil, nil, fmt.Errorf("%w: tenor must be at least 1 month, got %d", ErrInvalidTenor, tenorMonths)
	}
	if !principal.IsPositive() {
		return nil, nil, fmt.Errorf("%w: principal must be positive, got %s", ErrInvalidAmount, principal)
	}

	customer, err := l.storage.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingCustomer, customerID)
		}
		return nil, nil, err
	}

	total := CalculateTotalPayable(principal, l.interestRate, tenorMonths)
	monthly := total.DivInt(int64(tenorMonths))
	if !monthly.IsPositive() {
		return nil, nil, fmt.Errorf("%w: monthly installment rounds to %s", ErrInvalidAmount, monthly)
	}

	now := l.now()
	end := now.AddDate(0, 0, installmentCadenceDays*tenorMonths)
	loan := &models.Loan{
		ID:           uuid.New(),
		CustomerID:   customer.ID,
		Principal:    principal,
		InterestRate: l.interestRate,
		TotalPayable: total,
		StartDate:    &now,
		EndDate:      &end,
		Status:       models.LoanStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var schedule []*models.Repayment
	err = l.inOrgTx(ctx, customer.OrganizationID, func(q store.Querier) error {
		if err := q.CreateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}
		var err error
		schedule, err = generateSchedule(ctx, q, loan, monthly, tenorMonths, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	l.log.WithFields(logrus.Fields{
		logging.FieldLoanID: loan.ID,
		logging.FieldAmount: total.String(),
		logging.FieldCount:  len(schedule),
	}).Info("loan booked")
	return loan, schedule, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingLoan, id)
		}
		return nil, err
	}
	return loan, nil
}

// DeleteLoan removes a loan together with its installments and their
// allocation rows.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	orgID, err := l.storage.GetOrganizationIDForLoan(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMissingLoan, id)
		}
		return err
	}
	return l.inOrgTx(ctx, orgID, func(q store.Querier) error {
		return q.DeleteLoan(ctx, id)
	})
}
