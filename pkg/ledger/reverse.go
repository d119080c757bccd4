package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/sirupsen/logrus"
)

// ReverseInboundTransaction undoes every allocation of a transaction and
// marks it DISPUTED. A disputed transaction cannot be applied again.
func (l *Ledger) ReverseInboundTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (*models.ReversalResult, error) {
	start := time.Now()
	result, err := l.reverseInboundTransaction(ctx, transactionID, strings.TrimSpace(reason))
	observe("reverse_transaction", start, err)
	if err != nil {
		return nil, err
	}

	amountReversed.Add(moneyFloat(result.TotalReversed))
	l.log.WithFields(logrus.Fields{
		logging.FieldTransactionID: result.TransactionID,
		logging.FieldAmount:        result.TotalReversed.String(),
		logging.FieldCount:         len(result.TouchedLoans),
		logging.FieldReason:        result.Reason,
	}).Info("transaction reversed")
	return result, nil
}

func (l *Ledger) reverseInboundTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (*models.ReversalResult, error) {
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

	var result *models.ReversalResult
	err = l.inOrgTx(ctx, tx.OrganizationID.UUID, func(q store.Querier) error {
		allocations, err := q.ListAllocationsForTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if len(allocations) == 0 {
			return fmt.Errorf("%w: transaction %s", ErrNoAllocations, transactionID)
		}

		total := money.Zero
		touched := newTouchedLoans()
		for _, a := range allocations {
			r, err := q.GetRepayment(ctx, a.RepaymentID)
			if err != nil {
				return fmt.Errorf("failed to load repayment %s: %w", a.RepaymentID, err)
			}
			r.AmountPaid = money.Max(money.Zero, r.AmountPaid.Sub(a.AmountApplied))
			r.IsPaid = r.Settled()
			if !r.IsPaid {
				r.PaidAt = nil
			}
			if err := q.UpdateRepayment(ctx, r); err != nil {
				return err
			}
			total = total.Add(a.AmountApplied)
			touched.add(r.LoanID)
		}

		if _, err := q.DeleteAllocationsForTransaction(ctx, transactionID); err != nil {
			return err
		}
		if err := q.UpdateTransactionStatus(ctx, transactionID, models.MatchStatusDisputed); err != nil {
			return err
		}

		loans := append([]uuid.UUID(nil), touched.order...)
		sort.Slice(loans, func(i, j int) bool { return loans[i].String() < loans[j].String() })
		if err := projectLoans(ctx, q, loans); err != nil {
			return err
		}

		result = &models.ReversalResult{
			TransactionID: transactionID,
			TotalReversed: total,
			TouchedLoans:  loans,
			Reason:        reason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReverseRepaymentPayment clears the payment recorded on a single
// installment. Installments settled through remittance allocations are
// refused with ErrSettledByRemittance; reverse the transaction instead.
func (l *Ledger) ReverseRepaymentPayment(ctx context.Context, repaymentID uuid.UUID) (*models.Repayment, error) {
	return l.reverseRepaymentPayment(ctx, repaymentID, false)
}

// ReverseRepaymentPaymentForce is ReverseRepaymentPayment without the
// remittance guard. Allocation rows pointing at the installment are deleted,
// which leaves the owning transactions MATCHED with a smaller applied total.
func (l *Ledger) ReverseRepaymentPaymentForce(ctx context.Context, repaymentID uuid.UUID) (*models.Repayment, error) {
	return l.reverseRepaymentPayment(ctx, repaymentID, true)
}

func (l *Ledger) reverseRepaymentPayment(ctx context.Context, repaymentID uuid.UUID, force bool) (*models.Repayment, error) {
	start := time.Now()
	repayment, err := l.doReverseRepaymentPayment(ctx, repaymentID, force)
	observe("reverse_repayment", start, err)
	return repayment, err
}

func (l *Ledger) doReverseRepaymentPayment(ctx context.Context, repaymentID uuid.UUID, force bool) (*models.Repayment, error) {
	r, err := l.storage.GetRepayment(ctx, repaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRepaymentNotFound, repaymentID)
		}
		return nil, err
	}
	orgID, err := l.storage.GetOrganizationIDForLoan(ctx, r.LoanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingLoan, r.LoanID)
		}
		return nil, err
	}

	var reversed money.Money
	var dropped int64
	err = l.inOrgTx(ctx, orgID, func(q store.Querier) error {
		current, err := q.GetRepayment(ctx, repaymentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrRepaymentNotFound, repaymentID)
			}
			return err
		}
		if !current.AmountPaid.IsPositive() {
			return fmt.Errorf("%w: repayment %s has no payment recorded", ErrNothingToReverse, repaymentID)
		}

		allocations, err := q.ListAllocationsForRepayment(ctx, repaymentID)
		if err != nil {
			return err
		}
		if len(allocations) > 0 && !force {
			return fmt.Errorf("%w: repayment %s has %d allocation(s); reverse the remittance transaction instead",
				ErrSettledByRemittance, repaymentID, len(allocations))
		}

		if dropped, err = q.DeleteAllocationsForRepayment(ctx, repaymentID); err != nil {
			return err
		}

		reversed = current.AmountPaid
		current.AmountPaid = money.Zero
		current.IsPaid = false
		current.PaidAt = nil
		if err := q.UpdateRepayment(ctx, current); err != nil {
			return err
		}
		if _, err := ProjectLoanStatus(ctx, q, current.LoanID); err != nil {
			return err
		}
		r = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	amountReversed.Add(moneyFloat(reversed))
	l.log.WithFields(logrus.Fields{
		logging.FieldRepaymentID: r.ID,
		logging.FieldLoanID:      r.LoanID,
		logging.FieldAmount:      reversed.String(),
		logging.FieldCount:       dropped,
	}).Info("repayment payment reversed")
	return r, nil
}
