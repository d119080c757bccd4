package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
)

// GenerateRepaymentSchedule creates tenorMonths equal installments of
// monthlyAmount for the loan, due every 30 days from its start date. A loan
// without a start date is started now. Calling it again for a loan that
// already has installments returns the existing ones unchanged.
func (l *Ledger) GenerateRepaymentSchedule(ctx context.Context, loan *models.Loan, monthlyAmount money.Money, tenorMonths int) ([]*models.Repayment, error) {
	start := time.Now()
	schedule, err := l.generateRepaymentSchedule(ctx, loan, monthlyAmount, tenorMonths)
	observe("schedule", start, err)
	return schedule, err
}

func (l *Ledger) generateRepaymentSchedule(ctx context.Context, loan *models.Loan, monthlyAmount money.Money, tenorMonths int) ([]*models.Repayment, error) {
	if tenorMonths <= 0 {
		return nil, fmt.Errorf("%w: tenor must be at least 1 month, got %d", ErrInvalidTenor, tenorMonths)
	}
	if !monthlyAmount.IsPositive() {
		return nil, fmt.Errorf("%w: monthly amount must be positive, got %s", ErrInvalidAmount, monthlyAmount)
	}
	if loan == nil || loan.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: loan is required", ErrMissingLoan)
	}

	orgID, err := l.storage.GetOrganizationIDForLoan(ctx, loan.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingLoan, loan.ID)
		}
		return nil, err
	}

	var schedule []*models.Repayment
	err = l.inOrgTx(ctx, orgID, func(q store.Querier) error {
		current, err := q.GetLoan(ctx, loan.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrMissingLoan, loan.ID)
			}
			return err
		}
		schedule, err = generateSchedule(ctx, q, current, monthlyAmount, tenorMonths, l.now())
		if err != nil {
			return err
		}
		loan.StartDate = current.StartDate
		loan.UpdatedAt = current.UpdatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithField(logging.FieldLoanID, loan.ID).
		WithField(logging.FieldCount, len(schedule)).
		Debug("repayment schedule ready")
	return schedule, nil
}

// generateSchedule does the work of GenerateRepaymentSchedule inside an open
// unit of work. Inputs are already validated.
func generateSchedule(ctx context.Context, q store.Querier, loan *models.Loan, monthlyAmount money.Money, tenorMonths int, now time.Time) ([]*models.Repayment, error) {
	if loan.StartDate == nil {
		startDate := now
		loan.StartDate = &startDate
		loan.UpdatedAt = now
		if err := q.UpdateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("failed to set loan start date: %w", err)
		}
	}

	existing, err := q.ListRepaymentsForLoan(ctx, loan.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	schedule := make([]*models.Repayment, 0, tenorMonths)
	for i := 1; i <= tenorMonths; i++ {
		r := &models.Repayment{
			ID:                uuid.New(),
			LoanID:            loan.ID,
			InstallmentNumber: i,
			DueDate:           loan.StartDate.AddDate(0, 0, installmentCadenceDays*i),
			AmountDue:         monthlyAmount,
			AmountPaid:        money.Zero,
			IsPaid:            false,
			CreatedAt:         now,
		}
		if err := q.CreateRepayment(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to store installment %d: %w", i, err)
		}
		schedule = append(schedule, r)
	}
	return schedule, nil
}
