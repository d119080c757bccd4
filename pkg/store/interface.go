package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate")
)

// Querier defines the data operations the ledger needs. It is implemented both
// by a Storage (auto-commit) and by the transaction-bound value handed to InTx.
type Querier interface {
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	// LockOrganization serializes writers for one organization until the
	// surrounding transaction ends. Outside InTx it only checks existence.
	LockOrganization(ctx context.Context, id uuid.UUID) error

	CreateCustomer(ctx context.Context, customer *models.Customer) error
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)

	CreateRemittanceAccount(ctx context.Context, account *models.RemittanceAccount) error
	GetActiveRemittanceAccount(ctx context.Context, organizationID uuid.UUID) (*models.RemittanceAccount, error)
	ListRemittanceAccounts(ctx context.Context, organizationID uuid.UUID) ([]*models.RemittanceAccount, error)
	DeactivateRemittanceAccounts(ctx context.Context, organizationID uuid.UUID) error
	RemittanceAccountNumberExists(ctx context.Context, accountNumber string) (bool, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	GetOrganizationIDForLoan(ctx context.Context, loanID uuid.UUID) (uuid.UUID, error)

	CreateRepayment(ctx context.Context, repayment *models.Repayment) error
	GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error)
	UpdateRepayment(ctx context.Context, repayment *models.Repayment) error
	ListRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error)
	// ListUnpaidRepaymentsForOrganization returns every unpaid installment of
	// every loan whose customer belongs to the organization, ordered by
	// due date, then installment number, then id. Inside InTx the rows stay
	// locked until the transaction ends.
	ListUnpaidRepaymentsForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.Repayment, error)

	CreateTransaction(ctx context.Context, tx *models.InboundTransaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.InboundTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status models.MatchStatus) error
	ListTransactionsForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.InboundTransaction, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) error

	CreateAllocation(ctx context.Context, allocation *models.TransactionAllocation) error
	ListAllocationsForTransaction(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionAllocation, error)
	ListAllocationsForRepayment(ctx context.Context, repaymentID uuid.UUID) ([]*models.TransactionAllocation, error)
	DeleteAllocationsForTransaction(ctx context.Context, transactionID uuid.UUID) (int64, error)
	DeleteAllocationsForRepayment(ctx context.Context, repaymentID uuid.UUID) (int64, error)
}

// Storage defines the interface for database operations related to the
// remittance ledger.
type Storage interface {
	Querier

	// InTx runs fn inside a single database transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(q Querier) error) error

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error

	Close() error
}
