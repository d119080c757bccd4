package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/store"
)

// ProjectLoanStatus derives a loan's status from its installments: ACTIVE
// while any installment is unpaid, CLOSED once all are paid. A loan without
// installments is left alone. The loan row is only written when the status
// changes, so calling it repeatedly is harmless.
func ProjectLoanStatus(ctx context.Context, q store.Querier, loanID uuid.UUID) (models.LoanStatus, error) {
	loan, err := q.GetLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrMissingLoan, loanID)
		}
		return "", err
	}

	repayments, err := q.ListRepaymentsForLoan(ctx, loanID)
	if err != nil {
		return "", err
	}
	if len(repayments) == 0 {
		return loan.Status, nil
	}

	status := models.LoanStatusClosed
	for _, r := range repayments {
		if !r.IsPaid {
			status = models.LoanStatusActive
			break
		}
	}

	if loan.Status != status {
		loan.Status = status
		loan.UpdatedAt = time.Now().UTC()
		if err := q.UpdateLoan(ctx, loan); err != nil {
			return "", fmt.Errorf("failed to update loan status: %w", err)
		}
	}
	return status, nil
}

// projectLoans runs ProjectLoanStatus for each loan in order.
func projectLoans(ctx context.Context, q store.Querier, loanIDs []uuid.UUID) error {
	for _, id := range loanIDs {
		if _, err := ProjectLoanStatus(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// ProjectLoan recomputes one loan's status in its own unit of work. Useful
// for repair tooling after manual data changes.
func (l *Ledger) ProjectLoan(ctx context.Context, loanID uuid.UUID) (models.LoanStatus, error) {
	orgID, err := l.storage.GetOrganizationIDForLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrMissingLoan, loanID)
		}
		return "", err
	}

	var status models.LoanStatus
	err = l.inOrgTx(ctx, orgID, func(q store.Querier) error {
		var err error
		status, err = ProjectLoanStatus(ctx, q, loanID)
		return err
	})
	return status, err
}

// touchedLoans collects loan ids in first-seen order.
type touchedLoans struct {
	seen  map[uuid.UUID]struct{}
	order []uuid.UUID
}

func newTouchedLoans() *touchedLoans {
	return &touchedLoans{seen: make(map[uuid.UUID]struct{})}
}

func (t *touchedLoans) add(id uuid.UUID) {
	if _, ok := t.seen[id]; ok {
		return
	}
	t.seen[id] = struct{}{}
	t.order = append(t.order, id)
}
