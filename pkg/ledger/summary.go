package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
)

// OrganizationSummary totals what an organization has remitted, how much of
// it reached installments and what its staff still owe.
func (l *Ledger) OrganizationSummary(ctx context.Context, orgID uuid.UUID) (*models.OrganizationSummary, error) {
	rows, err := l.ListOrganizationTransactions(ctx, orgID)
	if err != nil {
		return nil, err
	}

	summary := &models.OrganizationSummary{
		OrganizationID:     orgID,
		TotalRemitted:      money.Zero,
		TotalApplied:       money.Zero,
		UnallocatedBalance: money.Zero,
		TotalOutstanding:   money.Zero,
	}
	for _, row := range rows {
		summary.TotalRemitted = summary.TotalRemitted.Add(row.Transaction.Amount)
		summary.TotalApplied = summary.TotalApplied.Add(row.AppliedAmount)
	}
	summary.UnallocatedBalance = summary.TotalRemitted.Sub(summary.TotalApplied)

	unpaid, err := l.storage.ListUnpaidRepaymentsForOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, r := range unpaid {
		if outstanding := r.Outstanding(); outstanding.IsPositive() {
			summary.TotalOutstanding = summary.TotalOutstanding.Add(outstanding)
		}
	}
	return summary, nil
}

// ListOrganizationTransactions returns the organization's transactions,
// latest payment first, each with its applied and unallocated amounts.
func (l *Ledger) ListOrganizationTransactions(ctx context.Context, orgID uuid.UUID) ([]*models.TransactionLedgerRow, error) {
	if _, err := l.storage.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, orgID)
		}
		return nil, err
	}

	txs, err := l.storage.ListTransactionsForOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	rows := make([]*models.TransactionLedgerRow, 0, len(txs))
	for _, tx := range txs {
		allocations, err := l.storage.ListAllocationsForTransaction(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		applied := money.Zero
		for _, a := range allocations {
			applied = applied.Add(a.AmountApplied)
		}
		rows = append(rows, &models.TransactionLedgerRow{
			Transaction:       tx,
			AppliedAmount:     applied,
			UnallocatedAmount: tx.Amount.Sub(applied),
		})
	}
	return rows, nil
}

// ListTransactionAllocations returns the allocation trail of a transaction.
func (l *Ledger) ListTransactionAllocations(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionAllocation, error) {
	if _, err := l.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return l.storage.ListAllocationsForTransaction(ctx, transactionID)
}

// ListRepaymentsForLoan returns a loan's installments in installment order.
func (l *Ledger) ListRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.ListRepaymentsForLoan(ctx, loanID)
}
