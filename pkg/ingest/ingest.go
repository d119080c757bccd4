// Package ingest imports remittances in bulk from CSV files.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/ledger"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/sirupsen/logrus"
)

const (
	StatusIngested = "ingested"
	StatusFailed   = "failed"
)

// Row is one line of a remittance import file.
type Row struct {
	OrganizationID string `csv:"organization_id"`
	Reference      string `csv:"reference"`
	Amount         string `csv:"amount"`
	PaidAt         string `csv:"paid_at"`
	Narration      string `csv:"narration"`
	SenderName     string `csv:"sender_name"`
}

// Outcome reports what happened to a single row.
type Outcome struct {
	Line          int    `csv:"line"`
	Reference     string `csv:"reference"`
	Status        string `csv:"status"`
	TransactionID string `csv:"transaction_id"`
	MatchStatus   string `csv:"match_status"`
	Applied       string `csv:"applied"`
	Unallocated   string `csv:"unallocated"`
	Error         string `csv:"error"`
}

// Report collects the outcomes of an import in file order.
type Report struct {
	Outcomes  []*Outcome
	Succeeded int
	Failed    int
}

// WriteCSV writes the outcomes as CSV with a header row.
func (r *Report) WriteCSV(w io.Writer) error {
	return gocsv.Marshal(r.Outcomes, w)
}

// Ingester is the part of the ledger an import needs.
type Ingester interface {
	IngestRemittance(ctx context.Context, req ledger.IngestRequest) (*ledger.IngestResult, error)
}

// Importer feeds CSV rows through the ledger one at a time. A failed row is
// recorded in the report and the import moves on.
type Importer struct {
	ledger Ingester
	log    logrus.FieldLogger
}

func NewImporter(l Ingester, log logrus.FieldLogger) *Importer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Importer{ledger: l, log: log}
}

// ImportFile opens path and imports it.
func (i *Importer) ImportFile(ctx context.Context, path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening CSV file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			i.log.WithError(err).Warn("Failed to close file")
		}
	}()

	i.log.WithField(logging.FieldFile, path).Info("Importing remittances")
	return i.Import(ctx, f)
}

// Import parses every row up front, so a malformed file fails before anything
// is stored. Per-row problems after that never abort the batch.
func (i *Importer) Import(ctx context.Context, r io.Reader) (*Report, error) {
	var rows []*Row
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("error parsing CSV file: %w", err)
	}

	report := &Report{Outcomes: make([]*Outcome, 0, len(rows))}
	for n, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// Line 1 is the header.
		outcome := i.importRow(ctx, n+2, row)
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Status == StatusIngested {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	i.log.WithFields(logrus.Fields{
		logging.FieldCount: len(rows),
		"succeeded":        report.Succeeded,
		"failed":           report.Failed,
	}).Info("Remittance import finished")
	return report, nil
}

func (i *Importer) importRow(ctx context.Context, line int, row *Row) *Outcome {
	outcome := &Outcome{Line: line, Reference: strings.TrimSpace(row.Reference)}
	fail := func(err error) *Outcome {
		outcome.Status = StatusFailed
		outcome.Error = err.Error()
		i.log.WithError(err).WithFields(logrus.Fields{
			"line":                  line,
			logging.FieldReference: outcome.Reference,
		}).Warn("Remittance row rejected")
		return outcome
	}

	req, err := parseRow(row)
	if err != nil {
		return fail(err)
	}
	res, err := i.ledger.IngestRemittance(ctx, req)
	if err != nil {
		return fail(err)
	}

	outcome.Status = StatusIngested
	outcome.TransactionID = res.Transaction.ID.String()
	outcome.MatchStatus = string(res.Allocation.MatchStatus)
	outcome.Applied = res.Allocation.TotalApplied.String()
	outcome.Unallocated = res.Allocation.UnallocatedAmount.String()
	return outcome
}

func parseRow(row *Row) (ledger.IngestRequest, error) {
	var req ledger.IngestRequest

	orgID, err := uuid.Parse(strings.TrimSpace(row.OrganizationID))
	if err != nil {
		return req, fmt.Errorf("%w: organization_id %q", ledger.ErrInvalidInput, row.OrganizationID)
	}
	amount, err := money.Parse(strings.TrimSpace(row.Amount))
	if err != nil {
		return req, fmt.Errorf("%w: amount %q", ledger.ErrInvalidAmount, row.Amount)
	}

	req = ledger.IngestRequest{
		OrganizationID: orgID,
		Amount:         amount,
		Reference:      row.Reference,
		Narration:      row.Narration,
		SenderName:     row.SenderName,
	}
	if s := strings.TrimSpace(row.PaidAt); s != "" {
		paidAt, err := parseTime(s)
		if err != nil {
			return req, fmt.Errorf("%w: paid_at %q", ledger.ErrInvalidInput, row.PaidAt)
		}
		req.PaidAt = &paidAt
	}
	return req, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
