package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/remitledger/pkg/ledger"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) (*ledger.Ledger, *models.Organization) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ingest.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l := ledger.NewLedger(s, ledger.WithLogger(logging.Discard()))
	org, err := l.CreateOrganization(context.Background(), "Acme Payroll")
	require.NoError(t, err)
	return l, org
}

func TestImport_ReportsEachRow(t *testing.T) {
	l, org := newLedger(t)
	ctx := context.Background()

	csv := fmt.Sprintf(`organization_id,reference,amount,paid_at,narration,sender_name
%[1]s,NIP-1,150.00,2025-11-28,November,Acme Payroll
%[1]s,NIP-1,10.00,,duplicate,Acme Payroll
not-a-uuid,NIP-2,10.00,,,
%[1]s,NIP-3,abc,,,
%[1]s,NIP-4,-5.00,,,
%[2]s,NIP-5,5.00,,,
%[1]s,NIP-6,20.50,2025-11-30T10:15:00Z,,
`, org.ID, uuid.New())

	report, err := NewImporter(l, logging.Discard()).Import(ctx, strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 7)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 5, report.Failed)

	first := report.Outcomes[0]
	assert.Equal(t, 2, first.Line)
	assert.Equal(t, StatusIngested, first.Status)
	assert.Equal(t, string(models.MatchStatusUnmatched), first.MatchStatus)
	assert.Equal(t, "0.00", first.Applied)
	assert.Equal(t, "150.00", first.Unallocated)

	for _, o := range report.Outcomes[1:6] {
		assert.Equal(t, StatusFailed, o.Status, "line %d", o.Line)
		assert.NotEmpty(t, o.Error)
	}
	assert.Contains(t, report.Outcomes[1].Error, "duplicate")
	assert.Equal(t, StatusIngested, report.Outcomes[6].Status)

	txID, err := uuid.Parse(first.TransactionID)
	require.NoError(t, err)
	tx, err := l.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.True(t, tx.PaidAt.Equal(time.Date(2025, 11, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "November", tx.Narration)

	rows, err := l.ListOrganizationTransactions(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestImport_MalformedFile(t *testing.T) {
	l, _ := newLedger(t)
	_, err := NewImporter(l, nil).Import(context.Background(), strings.NewReader("organization_id,reference\n\"unterminated"))
	assert.Error(t, err)
}

func TestImportFile_WritesReport(t *testing.T) {
	l, org := newLedger(t)
	path := filepath.Join(t.TempDir(), "remittances.csv")
	content := "organization_id,reference,amount,paid_at,narration,sender_name\n" +
		org.ID.String() + ",FILE-1,12.00,,,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	report, err := NewImporter(l, logging.Discard()).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "line,reference,status,transaction_id,match_status,applied,unallocated,error", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2,FILE-1,ingested,"))

	_, err = NewImporter(l, nil).ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
