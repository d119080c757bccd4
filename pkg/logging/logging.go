// Package logging builds the logrus logger shared by the API server and the CLI.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Standardized field names for structured logging.
const (
	FieldOrganizationID = "organization_id"
	FieldTransactionID  = "transaction_id"
	FieldRepaymentID    = "repayment_id"
	FieldLoanID         = "loan_id"
	FieldReference      = "reference"
	FieldAmount         = "amount"
	FieldReason         = "reason"
	FieldOperation      = "operation"
	FieldStatus         = "status"
	FieldCount          = "count"
	FieldDuration       = "duration_ms"
	FieldFile           = "file_path"
	FieldMethod         = "method"
	FieldPath           = "path"
)

// New creates a logger with the given level ("debug", "info", "warn", "error")
// and format ("json" or "text"). An unknown level falls back to info.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", level)
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Discard returns a logger that writes nothing. Useful in tests and for
// commands whose output must stay machine readable.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
