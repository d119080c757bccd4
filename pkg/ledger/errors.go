package ledger

import "errors"

// Error kinds returned by the ledger. They are always wrapped with a reason;
// compare with errors.Is.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidTenor         = errors.New("invalid tenor")
	ErrAlreadyAllocated     = errors.New("transaction already allocated")
	ErrTransactionDisputed  = errors.New("transaction is disputed")
	ErrNoAllocations        = errors.New("transaction has no allocations")
	ErrNothingToReverse     = errors.New("nothing to reverse")
	ErrSettledByRemittance  = errors.New("repayment settled via remittance")
	ErrMissingOrganization  = errors.New("missing organization")
	ErrMissingLoan          = errors.New("missing loan")
	ErrMissingCustomer      = errors.New("missing customer")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrRepaymentNotFound    = errors.New("repayment not found")
	ErrDuplicateReference   = errors.New("duplicate transaction reference")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrInvalidInput         = errors.New("invalid input")
)

// kind returns a short label for metrics.
func kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTenor), errors.Is(err, ErrInvalidInput):
		return "validation"
	case errors.Is(err, ErrAlreadyAllocated), errors.Is(err, ErrTransactionDisputed),
		errors.Is(err, ErrSettledByRemittance), errors.Is(err, ErrDuplicateReference):
		return "conflict"
	case errors.Is(err, ErrNoAllocations), errors.Is(err, ErrNothingToReverse):
		return "nothing_to_do"
	case errors.Is(err, ErrMissingOrganization), errors.Is(err, ErrMissingLoan), errors.Is(err, ErrMissingCustomer),
		errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrRepaymentNotFound), errors.Is(err, ErrOrganizationNotFound):
		return "not_found"
	default:
		return "storage"
	}
}
