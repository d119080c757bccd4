package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/sirupsen/logrus"
)

// pgxtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Storage on a pgx connection pool. Writers for one
// organization are serialized by row locks taken inside InTx.
type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

type pgQueries struct {
	db pgxtx
}

func NewPostgresStore(ctx context.Context, connString string, log logrus.FieldLogger) (*PostgresStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{pgQueries: pgQueries{db: pool}, pool: pool, log: log}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.WithField("host", config.ConnConfig.Host).Info("Postgres pool established and schema initialized.")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS customers (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		full_name TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS remittance_accounts (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		account_number TEXT NOT NULL UNIQUE,
		bank_name TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id UUID PRIMARY KEY,
		customer_id UUID NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		principal NUMERIC(18,2) NOT NULL,
		interest_rate NUMERIC(9,4) NOT NULL DEFAULT 0,
		total_payable NUMERIC(18,2) NOT NULL,
		start_date TIMESTAMPTZ,
		end_date TIMESTAMPTZ,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id UUID PRIMARY KEY,
		loan_id UUID NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		installment_number INTEGER NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		amount_due NUMERIC(18,2) NOT NULL,
		amount_paid NUMERIC(18,2) NOT NULL DEFAULT 0,
		is_paid BOOLEAN NOT NULL DEFAULT FALSE,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (loan_id, installment_number)
	);
	CREATE INDEX IF NOT EXISTS idx_repayments_unpaid ON repayments (due_date, installment_number, id) WHERE NOT is_paid;
	CREATE TABLE IF NOT EXISTS inbound_transactions (
		id UUID PRIMARY KEY,
		organization_id UUID REFERENCES organizations(id) ON DELETE CASCADE,
		remittance_account_id UUID REFERENCES remittance_accounts(id) ON DELETE SET NULL,
		amount NUMERIC(18,2) NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		narration TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		paid_at TIMESTAMPTZ NOT NULL,
		match_status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transaction_allocations (
		id UUID PRIMARY KEY,
		transaction_id UUID NOT NULL REFERENCES inbound_transactions(id) ON DELETE CASCADE,
		repayment_id UUID NOT NULL REFERENCES repayments(id) ON DELETE CASCADE,
		amount_applied NUMERIC(18,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (transaction_id, repayment_id)
	);
	CREATE INDEX IF NOT EXISTS idx_allocations_repayment ON transaction_allocations (repayment_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// InTx runs fn in a READ COMMITTED transaction. Callers take
// LockOrganization first, after which every statement sees the rows committed
// by the previous lock holder.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf("query failed: %w", err)
}

func expectOne(tag pgconn.CommandTag, what string, id uuid.UUID) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO organizations (id, name, is_active, created_at) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Name, org.IsActive, org.CreatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("organization %q: %w", org.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

func (q *pgQueries) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := q.db.QueryRow(ctx,
		`SELECT id, name, is_active, created_at FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.IsActive, &org.CreatedAt)
	if err != nil {
		return nil, notFound(err, "organization %s", id)
	}
	org.CreatedAt = org.CreatedAt.UTC()
	return &org, nil
}

// LockOrganization takes a row lock on the organization. Concurrent
// allocations and reversals for the same organization queue here.
func (q *pgQueries) LockOrganization(ctx context.Context, id uuid.UUID) error {
	var found uuid.UUID
	err := q.db.QueryRow(ctx, `SELECT id FROM organizations WHERE id = $1 FOR UPDATE`, id).Scan(&found)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("organization %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	return nil
}

func (q *pgQueries) CreateCustomer(ctx context.Context, c *models.Customer) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO customers (id, organization_id, full_name, staff_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.OrganizationID, c.FullName, c.StaffID, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (q *pgQueries) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var c models.Customer
	err := q.db.QueryRow(ctx,
		`SELECT id, organization_id, full_name, staff_id, created_at FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrganizationID, &c.FullName, &c.StaffID, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "customer %s", id)
	}
	return &c, nil
}

func (q *pgQueries) CreateRemittanceAccount(ctx context.Context, a *models.RemittanceAccount) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO remittance_accounts (`+remittanceAccountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OrganizationID, a.AccountNumber, a.BankName, a.AccountName, a.Provider, a.IsActive, a.CreatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("account number %s: %w", a.AccountNumber, ErrDuplicate)
		}
		return fmt.Errorf("failed to create remittance account: %w", err)
	}
	return nil
}

func (q *pgQueries) GetActiveRemittanceAccount(ctx context.Context, organizationID uuid.UUID) (*models.RemittanceAccount, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+remittanceAccountColumns+` FROM remittance_accounts WHERE organization_id = $1 AND is_active ORDER BY created_at DESC LIMIT 1`,
		organizationID,
	)
	a, err := scanRemittanceAccount(row)
	if err != nil {
		return nil, notFound(err, "active remittance account for organization %s", organizationID)
	}
	return a, nil
}

func (q *pgQueries) ListRemittanceAccounts(ctx context.Context, organizationID uuid.UUID) ([]*models.RemittanceAccount, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+remittanceAccountColumns+` FROM remittance_accounts WHERE organization_id = $1 ORDER BY created_at DESC`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list remittance accounts: %w", err)
	}
	return collect(rows, scanRemittanceAccount)
}

func (q *pgQueries) DeactivateRemittanceAccounts(ctx context.Context, organizationID uuid.UUID) error {
	_, err := q.db.Exec(ctx,
		`UPDATE remittance_accounts SET is_active = FALSE WHERE organization_id = $1 AND is_active`, organizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate remittance accounts: %w", err)
	}
	return nil
}

func (q *pgQueries) RemittanceAccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM remittance_accounts WHERE account_number = $1)`, accountNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account number: %w", err)
	}
	return exists, nil
}

func (q *pgQueries) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		loan.ID, loan.CustomerID, loan.Principal.String(), loan.InterestRate.String(), loan.TotalPayable.String(),
		nullableTime(loan.StartDate), nullableTime(loan.EndDate), string(loan.Status), loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (q *pgQueries) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(q.db.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "loan %s", id)
	}
	return loan, nil
}

func (q *pgQueries) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE loans SET customer_id = $1, principal = $2, interest_rate = $3, total_payable = $4, start_date = $5, end_date = $6, status = $7, updated_at = $8 WHERE id = $9`,
		loan.CustomerID, loan.Principal.String(), loan.InterestRate.String(), loan.TotalPayable.String(),
		nullableTime(loan.StartDate), nullableTime(loan.EndDate), string(loan.Status), loan.UpdatedAt.UTC(), loan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return expectOne(tag, "loan", loan.ID)
}

func (q *pgQueries) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM loans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return expectOne(tag, "loan", id)
}

func (q *pgQueries) GetOrganizationIDForLoan(ctx context.Context, loanID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := q.db.QueryRow(ctx,
		`SELECT c.organization_id FROM loans l JOIN customers c ON c.id = l.customer_id WHERE l.id = $1`, loanID,
	).Scan(&orgID)
	if err != nil {
		return uuid.Nil, notFound(err, "loan %s", loanID)
	}
	return orgID, nil
}

func (q *pgQueries) CreateRepayment(ctx context.Context, r *models.Repayment) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO repayments (`+repaymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.LoanID, r.InstallmentNumber, r.DueDate.UTC(), r.AmountDue.String(), r.AmountPaid.String(),
		r.IsPaid, nullableTime(r.PaidAt), r.CreatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("installment %d of loan %s: %w", r.InstallmentNumber, r.LoanID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	return nil
}

func (q *pgQueries) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	r, err := scanRepayment(q.db.QueryRow(ctx, `SELECT `+repaymentColumns+` FROM repayments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "repayment %s", id)
	}
	return r, nil
}

func (q *pgQueries) UpdateRepayment(ctx context.Context, r *models.Repayment) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE repayments SET amount_paid = $1, is_paid = $2, paid_at = $3 WHERE id = $4`,
		r.AmountPaid.String(), r.IsPaid, nullableTime(r.PaidAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update repayment: %w", err)
	}
	return expectOne(tag, "repayment", r.ID)
}

func (q *pgQueries) ListRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+repaymentColumns+` FROM repayments WHERE loan_id = $1 ORDER BY installment_number ASC`, loanID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	return collect(rows, scanRepayment)
}

// ListUnpaidRepaymentsForOrganization locks the returned installments until
// the surrounding transaction ends.
func (q *pgQueries) ListUnpaidRepaymentsForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT r.id, r.loan_id, r.installment_number, r.due_date, r.amount_due, r.amount_paid, r.is_paid, r.paid_at, r.created_at
		FROM repayments r
		JOIN loans l ON l.id = r.loan_id
		JOIN customers c ON c.id = l.customer_id
		WHERE c.organization_id = $1 AND NOT r.is_paid
		ORDER BY r.due_date ASC, r.installment_number ASC, r.id ASC
		FOR UPDATE OF r`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get unpaid repayments for organization %s: %w", organizationID, err)
	}
	return collect(rows, scanRepayment)
}

func (q *pgQueries) CreateTransaction(ctx context.Context, t *models.InboundTransaction) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO inbound_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.OrganizationID, t.RemittanceAccountID, t.Amount.String(), t.Reference, t.Narration,
		t.SenderName, t.PaidAt.UTC(), string(t.MatchStatus), t.CreatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("transaction reference %q: %w", t.Reference, ErrDuplicate)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (q *pgQueries) GetTransaction(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM inbound_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	return t, nil
}

func (q *pgQueries) GetTransactionByReference(ctx context.Context, reference string) (*models.InboundTransaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM inbound_transactions WHERE reference = $1`, reference))
	if err != nil {
		return nil, notFound(err, "transaction reference %q", reference)
	}
	return t, nil
}

func (q *pgQueries) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status models.MatchStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE inbound_transactions SET match_status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return expectOne(tag, "transaction", id)
}

func (q *pgQueries) ListTransactionsForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.InboundTransaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM inbound_transactions WHERE organization_id = $1 ORDER BY paid_at DESC`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for organization %s: %w", organizationID, err)
	}
	return collect(rows, scanTransaction)
}

func (q *pgQueries) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM inbound_transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return expectOne(tag, "transaction", id)
}

func (q *pgQueries) CreateAllocation(ctx context.Context, a *models.TransactionAllocation) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO transaction_allocations (`+allocationColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.TransactionID, a.RepaymentID, a.AmountApplied.String(), a.CreatedAt.UTC(),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("allocation of transaction %s to repayment %s: %w", a.TransactionID, a.RepaymentID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func scanAllocation(row rowScanner) (*models.TransactionAllocation, error) {
	var a models.TransactionAllocation
	if err := row.Scan(&a.ID, &a.TransactionID, &a.RepaymentID, &a.AmountApplied, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *pgQueries) ListAllocationsForTransaction(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionAllocation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+allocationColumns+` FROM transaction_allocations WHERE transaction_id = $1 ORDER BY created_at ASC, id ASC`,
		transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations: %w", err)
	}
	return collect(rows, scanAllocation)
}

func (q *pgQueries) ListAllocationsForRepayment(ctx context.Context, repaymentID uuid.UUID) ([]*models.TransactionAllocation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+allocationColumns+` FROM transaction_allocations WHERE repayment_id = $1 ORDER BY created_at ASC, id ASC`,
		repaymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations: %w", err)
	}
	return collect(rows, scanAllocation)
}

func (q *pgQueries) DeleteAllocationsForTransaction(ctx context.Context, transactionID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM transaction_allocations WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete allocations for transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *pgQueries) DeleteAllocationsForRepayment(ctx context.Context, repaymentID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM transaction_allocations WHERE repayment_id = $1`, repaymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete allocations for repayment: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}
