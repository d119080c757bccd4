package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	accountNumberLength      = 10
	accountNumberMaxAttempts = 30
	defaultBankName          = "NUN Microfinance Bank"
	defaultProvider          = "INTERNAL_VIRTUAL"
)

// IngestRequest describes one remittance received from an organization.
type IngestRequest struct {
	OrganizationID      uuid.UUID     `json:"organization_id"`
	RemittanceAccountID uuid.NullUUID `json:"remittance_account_id"`
	Amount              money.Money   `json:"amount"`
	Reference           string        `json:"reference"`
	Narration           string        `json:"narration,omitempty"`
	SenderName          string        `json:"sender_name,omitempty"`
	PaidAt              *time.Time    `json:"paid_at,omitempty"` // Defaults to now
}

// IngestResult is the stored transaction and the outcome of applying it.
type IngestResult struct {
	Transaction *models.InboundTransaction `json:"transaction"`
	Allocation  *models.AllocationResult   `json:"allocation"`
}

// IngestRemittance records a remittance as UNMATCHED and then applies it.
// The transaction is committed before allocation starts, so an allocation
// failure leaves it stored and retryable through ApplyInboundTransaction.
func (l *Ledger) IngestRemittance(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidInput)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: remittance amount must be positive, got %s", ErrInvalidAmount, req.Amount)
	}
	if _, err := l.storage.GetOrganization(ctx, req.OrganizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, req.OrganizationID)
		}
		return nil, err
	}

	if _, err := l.storage.GetTransactionByReference(ctx, reference); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateReference, reference)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := l.now()
	paidAt := now
	if req.PaidAt != nil {
		paidAt = req.PaidAt.UTC()
	}
	tx := &models.InboundTransaction{
		ID:                  uuid.New(),
		OrganizationID:      uuid.NullUUID{UUID: req.OrganizationID, Valid: true},
		RemittanceAccountID: req.RemittanceAccountID,
		Amount:              req.Amount,
		Reference:           reference,
		Narration:           strings.TrimSpace(req.Narration),
		SenderName:          strings.TrimSpace(req.SenderName),
		PaidAt:              paidAt,
		MatchStatus:         models.MatchStatusUnmatched,
		CreatedAt:           now,
	}
	if err := l.storage.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateReference, reference)
		}
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		logging.FieldTransactionID:  tx.ID,
		logging.FieldOrganizationID: req.OrganizationID,
		logging.FieldReference:      reference,
		logging.FieldAmount:         tx.Amount.String(),
	}).Info("remittance ingested")

	allocation, err := l.ApplyInboundTransaction(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("transaction %s stored but not applied: %w", tx.ID, err)
	}
	tx.MatchStatus = allocation.MatchStatus
	return &IngestResult{Transaction: tx, Allocation: allocation}, nil
}

// GetTransaction retrieves an inbound transaction by its ID.
func (l *Ledger) GetTransaction(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error) {
	tx, err := l.storage.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, err
	}
	return tx, nil
}

// IssueRemittanceAccount returns the organization's active remittance
// account, creating one if none exists. With forceNew every active account
// is deactivated and a fresh account number is issued.
func (l *Ledger) IssueRemittanceAccount(ctx context.Context, orgID uuid.UUID, forceNew bool) (*models.RemittanceAccount, error) {
	org, err := l.storage.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, orgID)
		}
		return nil, err
	}

	var account *models.RemittanceAccount
	err = l.inOrgTx(ctx, orgID, func(q store.Querier) error {
		active, err := q.GetActiveRemittanceAccount(ctx, orgID)
		switch {
		case err == nil && !forceNew:
			account = active
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		if forceNew {
			if err := q.DeactivateRemittanceAccounts(ctx, orgID); err != nil {
				return err
			}
		}

		number, err := l.uniqueAccountNumber(ctx, q)
		if err != nil {
			return err
		}
		account = &models.RemittanceAccount{
			ID:             uuid.New(),
			OrganizationID: orgID,
			AccountNumber:  number,
			BankName:       defaultBankName,
			AccountName:    org.Name + " - Loan Remittance",
			Provider:       defaultProvider,
			IsActive:       true,
			CreatedAt:      l.now(),
		}
		return q.CreateRemittanceAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ListRemittanceAccounts returns every account issued to the organization,
// newest first.
func (l *Ledger) ListRemittanceAccounts(ctx context.Context, orgID uuid.UUID) ([]*models.RemittanceAccount, error) {
	return l.storage.ListRemittanceAccounts(ctx, orgID)
}

func (l *Ledger) uniqueAccountNumber(ctx context.Context, q store.Querier) (string, error) {
	for i := 0; i < accountNumberMaxAttempts; i++ {
		number, err := l.accountNo()
		if err != nil {
			return "", fmt.Errorf("failed to generate account number: %w", err)
		}
		exists, err := q.RemittanceAccountNumberExists(ctx, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("unable to generate a unique remittance account number after %d attempts", accountNumberMaxAttempts)
}

func randomAccountNumber() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < accountNumberLength; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
