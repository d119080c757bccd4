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
	"github.com/sirupsen/logrus"
)

// ApplyInboundTransaction spreads a remittance over the organization's unpaid
// installments, oldest due first, across all of its loans. Each installment
// touched gets one allocation row. Whatever is left once every installment
// is settled stays unallocated and is only reported.
//
// The transaction must belong to an organization, carry a positive amount and
// not have been applied before.
func (l *Ledger) ApplyInboundTransaction(ctx context.Context, transactionID uuid.UUID) (*models.AllocationResult, error) {
	start := time.Now()
	result, err := l.applyInboundTransaction(ctx, transactionID)
	observe("apply", start, err)
	if err != nil {
		return nil, err
	}

	allocationsCreated.Add(float64(result.AllocationsMade))
	amountApplied.Add(moneyFloat(result.TotalApplied))
	unallocatedResidue.Add(moneyFloat(result.UnallocatedAmount))

	l.log.WithFields(logrus.Fields{
		logging.FieldTransactionID:  result.TransactionID,
		logging.FieldOrganizationID: result.OrganizationID,
		logging.FieldCount:          result.AllocationsMade,
		logging.FieldAmount:         result.TotalApplied.String(),
		logging.FieldStatus:         result.MatchStatus,
	}).Info("transaction applied")
	return result, nil
}

func (l *Ledger) applyInboundTransaction(ctx context.Context, transactionID uuid.UUID) (*models.AllocationResult, error) {
	tx, err := l.storage.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	if !tx.OrganizationID.Valid {
		return nil, fmt.Errorf("%w: transaction %s has no organization", ErrMissingOrganization, transactionID)
	}
	orgID := tx.OrganizationID.UUID

	var result *models.AllocationResult
	err = l.inOrgTx(ctx, orgID, func(q store.Querier) error {
		var err error
		result, err = l.allocate(ctx, q, transactionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// allocate runs the waterfall inside an open unit of work. The transaction
// is re-read here so the checks see the state left by the previous lock
// holder.
func (l *Ledger) allocate(ctx context.Context, q store.Querier, transactionID uuid.UUID) (*models.AllocationResult, error) {
	tx, err := q.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	if !tx.OrganizationID.Valid {
		return nil, fmt.Errorf("%w: transaction %s has no organization", ErrMissingOrganization, tx.ID)
	}
	if tx.MatchStatus == models.MatchStatusDisputed {
		return nil, fmt.Errorf("%w: transaction %s was reversed and needs manual review", ErrTransactionDisputed, tx.ID)
	}
	if !tx.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: transaction amount must be positive, got %s", ErrInvalidAmount, tx.Amount)
	}
	existing, err := q.ListAllocationsForTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 || tx.MatchStatus == models.MatchStatusMatched {
		return nil, fmt.Errorf("%w: transaction %s is already matched with %d allocation(s)", ErrAlreadyAllocated, tx.ID, len(existing))
	}

	orgID := tx.OrganizationID.UUID
	unpaid, err := q.ListUnpaidRepaymentsForOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	remaining := tx.Amount
	applied := money.Zero
	made := 0
	touched := newTouchedLoans()

	for _, r := range unpaid {
		if !remaining.IsPositive() {
			break
		}

		outstanding := r.Outstanding()
		if !outstanding.IsPositive() {
			// Settled but never flagged. Repair the flag without spending funds.
			l.log.WithFields(logrus.Fields{
				logging.FieldRepaymentID:   r.ID,
				logging.FieldLoanID:        r.LoanID,
				logging.FieldTransactionID: tx.ID,
				logging.FieldAmount:        r.AmountPaid.String(),
			}).Warn("installment fully paid but not flagged; marking paid")
			r.IsPaid = true
			if r.PaidAt == nil {
				paidAt := tx.PaidAt
				r.PaidAt = &paidAt
			}
			if err := q.UpdateRepayment(ctx, r); err != nil {
				return nil, err
			}
			touched.add(r.LoanID)
			continue
		}

		amount := money.Min(remaining, outstanding)
		paidAt := tx.PaidAt
		r.AmountPaid = r.AmountPaid.Add(amount)
		r.PaidAt = &paidAt
		r.IsPaid = r.Settled()
		if err := q.UpdateRepayment(ctx, r); err != nil {
			return nil, err
		}

		allocation := &models.TransactionAllocation{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			RepaymentID:   r.ID,
			AmountApplied: amount,
			CreatedAt:     now,
		}
		if err := q.CreateAllocation(ctx, allocation); err != nil {
			return nil, err
		}

		remaining = remaining.Sub(amount)
		applied = applied.Add(amount)
		made++
		touched.add(r.LoanID)
	}

	if err := projectLoans(ctx, q, touched.order); err != nil {
		return nil, err
	}

	status := models.MatchStatusUnmatched
	if made > 0 {
		status = models.MatchStatusMatched
	}
	if err := q.UpdateTransactionStatus(ctx, tx.ID, status); err != nil {
		return nil, err
	}

	return &models.AllocationResult{
		TransactionID:     tx.ID,
		OrganizationID:    orgID,
		AllocationsMade:   made,
		TotalApplied:      applied,
		UnallocatedAmount: remaining,
		MatchStatus:       status,
	}, nil
}
