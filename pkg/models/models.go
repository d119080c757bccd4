package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/shopspring/decimal"
)

// Organization is a partner employer that remits repayments in bulk for its staff.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type Customer struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	FullName       string    `json:"full_name"`
	StaffID        string    `json:"staff_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// RemittanceAccount is the virtual account an organization pays into.
// At most one account per organization is active at a time.
type RemittanceAccount struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	AccountNumber  string    `json:"account_number"`
	BankName       string    `json:"bank_name"`
	AccountName    string    `json:"account_name"`
	Provider       string    `json:"provider"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

type LoanStatus string

const (
	LoanStatusPendingDisbursement LoanStatus = "PENDING_DISBURSEMENT"
	LoanStatusActive              LoanStatus = "ACTIVE"
	LoanStatusClosed              LoanStatus = "CLOSED"
)

type Loan struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   uuid.UUID       `json:"customer_id"`
	Principal    money.Money     `json:"principal"`
	InterestRate decimal.Decimal `json:"interest_rate"` // Flat yearly rate in percent
	TotalPayable money.Money     `json:"total_payable"`
	StartDate    *time.Time      `json:"start_date,omitempty"`
	EndDate      *time.Time      `json:"end_date,omitempty"`
	Status       LoanStatus      `json:"status"` // Derived from installments once active
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Repayment is one scheduled installment of a loan.
type Repayment struct {
	ID                uuid.UUID   `json:"id"`
	LoanID            uuid.UUID   `json:"loan_id"`
	InstallmentNumber int         `json:"installment_number"`
	DueDate           time.Time   `json:"due_date"`
	AmountDue         money.Money `json:"amount_due"`
	AmountPaid        money.Money `json:"amount_paid"`
	IsPaid            bool        `json:"is_paid"`
	PaidAt            *time.Time  `json:"paid_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Outstanding is what is still owed on the installment. Settled rows yield a
// non-positive value.
func (r *Repayment) Outstanding() money.Money {
	return r.AmountDue.Sub(r.AmountPaid)
}

// Settled reports whether AmountPaid covers AmountDue.
func (r *Repayment) Settled() bool {
	return r.AmountPaid.GreaterThanOrEqual(r.AmountDue)
}

type MatchStatus string

const (
	MatchStatusUnmatched MatchStatus = "UNMATCHED"
	MatchStatusMatched   MatchStatus = "MATCHED"
	MatchStatusDisputed  MatchStatus = "DISPUTED"
)

// InboundTransaction is one remittance received from an organization.
type InboundTransaction struct {
	ID                  uuid.UUID     `json:"id"`
	OrganizationID      uuid.NullUUID `json:"organization_id"`
	RemittanceAccountID uuid.NullUUID `json:"remittance_account_id"`
	Amount              money.Money   `json:"amount"`
	Reference           string        `json:"reference"` // Globally unique
	Narration           string        `json:"narration,omitempty"`
	SenderName          string        `json:"sender_name,omitempty"`
	PaidAt              time.Time     `json:"paid_at"`
	MatchStatus         MatchStatus   `json:"match_status"`
	CreatedAt           time.Time     `json:"created_at"`
}

// TransactionAllocation records that part of a transaction was applied to an installment.
type TransactionAllocation struct {
	ID            uuid.UUID   `json:"id"`
	TransactionID uuid.UUID   `json:"transaction_id"`
	RepaymentID   uuid.UUID   `json:"repayment_id"`
	AmountApplied money.Money `json:"amount_applied"`
	CreatedAt     time.Time   `json:"created_at"`
}

type AllocationResult struct {
	TransactionID     uuid.UUID   `json:"transaction_id"`
	OrganizationID    uuid.UUID   `json:"organization_id"`
	AllocationsMade   int         `json:"allocations_made"`
	TotalApplied      money.Money `json:"total_applied"`
	UnallocatedAmount money.Money `json:"unallocated_amount"`
	MatchStatus       MatchStatus `json:"match_status"`
}

type ReversalResult struct {
	TransactionID uuid.UUID   `json:"transaction_id"`
	TotalReversed money.Money `json:"total_reversed"`
	TouchedLoans  []uuid.UUID `json:"touched_loans"`
	Reason        string      `json:"reason,omitempty"`
}

type OrganizationSummary struct {
	OrganizationID     uuid.UUID   `json:"organization_id"`
	TotalRemitted      money.Money `json:"total_remitted"`
	TotalApplied       money.Money `json:"total_applied"`
	UnallocatedBalance money.Money `json:"unallocated_balance"`
	TotalOutstanding   money.Money `json:"total_outstanding"`
}

// TransactionLedgerRow pairs a transaction with how much of it was applied.
type TransactionLedgerRow struct {
	Transaction       *InboundTransaction `json:"transaction"`
	AppliedAmount     money.Money         `json:"applied_amount"`
	UnallocatedAmount money.Money         `json:"unallocated_amount"`
}
