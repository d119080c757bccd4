package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/sirupsen/logrus"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	sqliteQueries
	db  *sql.DB
	log logrus.FieldLogger
}

// sqliteQueries implements Querier against either the pool or an open transaction.
type sqliteQueries struct {
	db dbtx
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
//
// Write transactions are opened with BEGIN IMMEDIATE so that two writers never
// read the same snapshot of unpaid installments; a busy writer waits up to the
// busy timeout instead of failing.
func NewSQLiteStore(dataSourceName string, log logrus.FieldLogger) (*SQLiteStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if strings.HasPrefix(dataSourceName, ":memory:") {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqliteQueries: sqliteQueries{db: db}, db: db, log: log}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.WithField("dsn", dataSourceName).Info("Database connection established and schema initialized.")
	return s, nil
}

func sqliteDSN(dataSourceName string) string {
	params := []string{"_txlock=immediate", "_busy_timeout=5000", "_foreign_keys=on"}
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	return dataSourceName + sep + strings.Join(params, "&")
}

// Migrate creates the tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		full_name TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS remittance_accounts (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		account_number TEXT NOT NULL UNIQUE,
		bank_name TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL DEFAULT '0',
		total_payable TEXT NOT NULL,
		start_date DATETIME,
		end_date DATETIME,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		installment_number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0.00',
		is_paid INTEGER NOT NULL DEFAULT 0,
		paid_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE (loan_id, installment_number)
	);
	CREATE INDEX IF NOT EXISTS idx_repayments_unpaid ON repayments (is_paid, due_date, installment_number);
	CREATE TABLE IF NOT EXISTS inbound_transactions (
		id TEXT PRIMARY KEY,
		organization_id TEXT REFERENCES organizations(id) ON DELETE CASCADE,
		remittance_account_id TEXT REFERENCES remittance_accounts(id) ON DELETE SET NULL,
		amount TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		narration TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		paid_at DATETIME NOT NULL,
		match_status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transaction_allocations (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES inbound_transactions(id) ON DELETE CASCADE,
		repayment_id TEXT NOT NULL REFERENCES repayments(id) ON DELETE CASCADE,
		amount_applied TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (transaction_id, repayment_id)
	);
	CREATE INDEX IF NOT EXISTS idx_allocations_repayment ON transaction_allocations (repayment_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// InTx runs fn inside one SQLite transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation checks if the error comes from a UNIQUE or PRIMARY KEY constraint.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func checkAffected(result sql.Result, what string, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// Organizations

func (q *sqliteQueries) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, is_active, created_at) VALUES (?, ?, ?, ?)`,
		org.ID.String(), org.Name, org.IsActive, org.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("organization %q: %w", org.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

func (q *sqliteQueries) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, is_active, created_at FROM organizations WHERE id = ?`, id.String(),
	).Scan(&org.ID, &org.Name, &org.IsActive, &org.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("organization %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// LockOrganization only verifies the organization exists: SQLite write
// transactions already hold the database write lock from BEGIN IMMEDIATE.
func (q *sqliteQueries) LockOrganization(ctx context.Context, id uuid.UUID) error {
	var found string
	err := q.db.QueryRowContext(ctx, `SELECT id FROM organizations WHERE id = ?`, id.String()).Scan(&found)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("organization %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to lock organization: %w", err)
	}
	return nil
}

// Customers

func (q *sqliteQueries) CreateCustomer(ctx context.Context, c *models.Customer) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO customers (id, organization_id, full_name, staff_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), c.OrganizationID.String(), c.FullName, c.StaffID, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (q *sqliteQueries) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var c models.Customer
	err := q.db.QueryRowContext(ctx,
		`SELECT id, organization_id, full_name, staff_id, created_at FROM customers WHERE id = ?`, id.String(),
	).Scan(&c.ID, &c.OrganizationID, &c.FullName, &c.StaffID, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}

// Remittance accounts

const remittanceAccountColumns = `id, organization_id, account_number, bank_name, account_name, provider, is_active, created_at`

func scanRemittanceAccount(row rowScanner) (*models.RemittanceAccount, error) {
	var a models.RemittanceAccount
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.AccountNumber, &a.BankName, &a.AccountName, &a.Provider, &a.IsActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *sqliteQueries) CreateRemittanceAccount(ctx context.Context, a *models.RemittanceAccount) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO remittance_accounts (`+remittanceAccountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.OrganizationID.String(), a.AccountNumber, a.BankName, a.AccountName, a.Provider, a.IsActive, a.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account number %s: %w", a.AccountNumber, ErrDuplicate)
		}
		return fmt.Errorf("failed to create remittance account: %w", err)
	}
	return nil
}

func (q *sqliteQueries) GetActiveRemittanceAccount(ctx context.Context, organizationID uuid.UUID) (*models.RemittanceAccount, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+remittanceAccountColumns+` FROM remittance_accounts WHERE organization_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1`,
		organizationID.String(),
	)
	a, err := scanRemittanceAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("active remittance account for organization %s: %w", organizationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get remittance account: %w", err)
	}
	return a, nil
}

func (q *sqliteQueries) ListRemittanceAccounts(ctx context.Context, organizationID uuid.UUID) ([]*models.RemittanceAccount, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+remittanceAccountColumns+` FROM remittance_accounts WHERE organization_id = ? ORDER BY created_at DESC`,
		organizationID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list remittance accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.RemittanceAccount
	for rows.Next() {
		a, err := scanRemittanceAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan remittance account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return accounts, nil
}

func (q *sqliteQueries) DeactivateRemittanceAccounts(ctx context.Context, organizationID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE remittance_accounts SET is_active = 0 WHERE organization_id = ? AND is_active = 1`,
		organizationID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate remittance accounts: %w", err)
	}
	return nil
}

func (q *sqliteQueries) RemittanceAccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM remittance_accounts WHERE account_number = ?)`, accountNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account number: %w", err)
	}
	return exists, nil
}

// Loans

const loanColumns = `id, customer_id, principal, interest_rate, total_payable, start_date, end_date, status, created_at, updated_at`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var startDate, endDate sql.NullTime
	if err := row.Scan(&loan.ID, &loan.CustomerID, &loan.Principal, &loan.InterestRate, &loan.TotalPayable,
		&startDate, &endDate, &loan.Status, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	loan.StartDate = timePtr(startDate)
	loan.EndDate = timePtr(endDate)
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (q *sqliteQueries) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerID.String(), loan.Principal, loan.InterestRate.String(), loan.TotalPayable,
		nullableTime(loan.StartDate), nullableTime(loan.EndDate), string(loan.Status), loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (q *sqliteQueries) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database.
func (q *sqliteQueries) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE loans SET customer_id = ?, principal = ?, interest_rate = ?, total_payable = ?, start_date = ?, end_date = ?, status = ?, updated_at = ? WHERE id = ?`,
		loan.CustomerID.String(), loan.Principal, loan.InterestRate.String(), loan.TotalPayable,
		nullableTime(loan.StartDate), nullableTime(loan.EndDate), string(loan.Status), loan.UpdatedAt.UTC(), loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return checkAffected(result, "loan", loan.ID)
}

// DeleteLoan removes a loan. Its installments and their allocations go with it
// through ON DELETE CASCADE.
func (q *sqliteQueries) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return checkAffected(result, "loan", id)
}

func (q *sqliteQueries) GetOrganizationIDForLoan(ctx context.Context, loanID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := q.db.QueryRowContext(ctx,
		`SELECT c.organization_id FROM loans l JOIN customers c ON c.id = l.customer_id WHERE l.id = ?`, loanID.String(),
	).Scan(&orgID)
	if err != nil {
		if err == sql.ErrNoRows {
			return uuid.Nil, fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("failed to resolve organization for loan: %w", err)
	}
	return orgID, nil
}

// Repayments

const repaymentColumns = `id, loan_id, installment_number, due_date, amount_due, amount_paid, is_paid, paid_at, created_at`

func scanRepayment(row rowScanner) (*models.Repayment, error) {
	var r models.Repayment
	var paidAt sql.NullTime
	if err := row.Scan(&r.ID, &r.LoanID, &r.InstallmentNumber, &r.DueDate, &r.AmountDue, &r.AmountPaid,
		&r.IsPaid, &paidAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.DueDate = r.DueDate.UTC()
	r.PaidAt = timePtr(paidAt)
	return &r, nil
}

func (q *sqliteQueries) scanRepayments(rows *sql.Rows) ([]*models.Repayment, error) {
	defer rows.Close()
	var repayments []*models.Repayment
	for rows.Next() {
		r, err := scanRepayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		repayments = append(repayments, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return repayments, nil
}

func (q *sqliteQueries) CreateRepayment(ctx context.Context, r *models.Repayment) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO repayments (`+repaymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.LoanID.String(), r.InstallmentNumber, r.DueDate.UTC(), r.AmountDue, r.AmountPaid,
		r.IsPaid, nullableTime(r.PaidAt), r.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("installment %d of loan %s: %w", r.InstallmentNumber, r.LoanID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	return nil
}

func (q *sqliteQueries) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+repaymentColumns+` FROM repayments WHERE id = ?`, id.String())
	r, err := scanRepayment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("repayment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get repayment: %w", err)
	}
	return r, nil
}

func (q *sqliteQueries) UpdateRepayment(ctx context.Context, r *models.Repayment) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE repayments SET amount_paid = ?, is_paid = ?, paid_at = ? WHERE id = ?`,
		r.AmountPaid, r.IsPaid, nullableTime(r.PaidAt), r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update repayment: %w", err)
	}
	return checkAffected(result, "repayment", r.ID)
}

func (q *sqliteQueries) ListRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+repaymentColumns+` FROM repayments WHERE loan_id = ? ORDER BY installment_number ASC`, loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	return q.scanRepayments(rows)
}

func (q *sqliteQueries) ListUnpaidRepaymentsForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT r.id, r.loan_id, r.installment_number, r.due_date, r.amount_due, r.amount_paid, r.is_paid, r.paid_at, r.created_at
		FROM repayments r
		JOIN loans l ON l.id = r.loan_id
		JOIN customers c ON c.id = l.customer_id
		WHERE c.organization_id = ? AND r.is_paid = 0
		ORDER BY r.due_date ASC, r.installment_number ASC, r.id ASC`,
		organizationID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get unpaid repayments for organization %s: %w", organizationID, err)
	}
	return q.scanRepayments(rows)
}

// Inbound transactions

const transactionColumns = `id, organization_id, remittance_account_id, amount, reference, narration, sender_name, paid_at, match_status, created_at`

func scanTransaction(row rowScanner) (*models.InboundTransaction, error) {
	var t models.InboundTransaction
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.RemittanceAccountID, &t.Amount, &t.Reference, &t.Narration,
		&t.SenderName, &t.PaidAt, &t.MatchStatus, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.PaidAt = t.PaidAt.UTC()
	return &t, nil
}

// CreateTransaction inserts a new inbound transaction into the database.
func (q *sqliteQueries) CreateTransaction(ctx context.Context, t *models.InboundTransaction) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO inbound_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.OrganizationID, t.RemittanceAccountID, t.Amount, t.Reference, t.Narration,
		t.SenderName, t.PaidAt.UTC(), string(t.MatchStatus), t.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction reference %q: %w", t.Reference, ErrDuplicate)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (q *sqliteQueries) GetTransaction(ctx context.Context, id uuid.UUID) (*models.InboundTransaction, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM inbound_transactions WHERE id = ?`, id.String())
	t, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (q *sqliteQueries) GetTransactionByReference(ctx context.Context, reference string) (*models.InboundTransaction, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM inbound_transactions WHERE reference = ?`, reference)
	t, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transaction reference %q: %w", reference, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (q *sqliteQueries) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status models.MatchStatus) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE inbound_transactions SET match_status = ? WHERE id = ?`, string(status), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return checkAffected(result, "transaction", id)
}

func (q *sqliteQueries) ListTransactionsForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.InboundTransaction, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM inbound_transactions WHERE organization_id = ? ORDER BY paid_at DESC`,
		organizationID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for organization %s: %w", organizationID, err)
	}
	defer rows.Close()

	var txs []*models.InboundTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return txs, nil
}

// DeleteTransaction removes a transaction; its allocations cascade.
func (q *sqliteQueries) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM inbound_transactions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return checkAffected(result, "transaction", id)
}

// Allocations

const allocationColumns = `id, transaction_id, repayment_id, amount_applied, created_at`

func (q *sqliteQueries) CreateAllocation(ctx context.Context, a *models.TransactionAllocation) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO transaction_allocations (`+allocationColumns+`) VALUES (?, ?, ?, ?, ?)`,
		a.ID.String(), a.TransactionID.String(), a.RepaymentID.String(), a.AmountApplied, a.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("allocation of transaction %s to repayment %s: %w", a.TransactionID, a.RepaymentID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (q *sqliteQueries) listAllocations(ctx context.Context, where string, id uuid.UUID) ([]*models.TransactionAllocation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM transaction_allocations WHERE `+where+` = ? ORDER BY created_at ASC, id ASC`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations: %w", err)
	}
	defer rows.Close()

	var allocations []*models.TransactionAllocation
	for rows.Next() {
		var a models.TransactionAllocation
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.RepaymentID, &a.AmountApplied, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		allocations = append(allocations, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return allocations, nil
}

func (q *sqliteQueries) ListAllocationsForTransaction(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionAllocation, error) {
	return q.listAllocations(ctx, "transaction_id", transactionID)
}

func (q *sqliteQueries) ListAllocationsForRepayment(ctx context.Context, repaymentID uuid.UUID) ([]*models.TransactionAllocation, error) {
	return q.listAllocations(ctx, "repayment_id", repaymentID)
}

func (q *sqliteQueries) DeleteAllocationsForTransaction(ctx context.Context, transactionID uuid.UUID) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM transaction_allocations WHERE transaction_id = ?`, transactionID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to delete allocations for transaction: %w", err)
	}
	return result.RowsAffected()
}

func (q *sqliteQueries) DeleteAllocationsForRepayment(ctx context.Context, repaymentID uuid.UUID) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM transaction_allocations WHERE repayment_id = ?`, repaymentID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to delete allocations for repayment: %w", err)
	}
	return result.RowsAffected()
}
