package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/config"
	"github.com/vts/obligation-engine/contractor"
	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/offline"
	"github.com/vts/obligation-engine/recurrence"
	"github.com/vts/obligation-engine/report"
)

func testApp(t *testing.T, probeURL string) *app {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	c := &config.Config{
		Port:      8080,
		DBPath:    filepath.Join(dir, "obligations.db"),
		QueuePath: filepath.Join(dir, "queue.db"),
		DeviceID:  "laptop",
		Log:       config.LogConfig{Level: "error", Format: "text"},
		Notify:    config.NotifyConfig{Schedule: "@every 1m", SweepSchedule: "0 8 * * *"},
		Connectivity: config.ConnectivityConfig{
			ProbeURL:      probeURL,
			ProbeInterval: time.Second,
		},
		Contractors: []config.ContractorConfig{
			{ID: "c-smith", Name: "John Smith", Company: "Smith Plumbing", Specialties: []string{"plumbing"}, HourlyRate: "75", Rating: 4},
			{ID: "c-brown", Name: "Sarah Brown", Company: "Brown Electric", Specialties: []string{"electrical"}, Preferred: true},
		},
	}
	a, err := openApp(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &UI{Out: &out, ErrOut: &errOut}, &out, &errOut
}

func TestDueAndReport(t *testing.T) {
	// GIVEN: a rent payment due in two days
	a := testApp(t, "")
	ctx := context.Background()
	due := time.Now().AddDate(0, 0, 2).Truncate(time.Second)
	p, err := a.engine.CreatePayment(ctx, obligation.PaymentInput{
		Title:     "Rent flat 2",
		Amount:    decimal.NewFromInt(950),
		Category:  obligation.CategoryRent,
		Frequency: recurrence.Monthly,
		DueDate:   due,
	})
	require.NoError(t, err)

	// WHEN: listing what is due this week
	ui, out, _ := testUI()
	require.NoError(t, dueRun(ctx, a, ui, time.Now().AddDate(0, 0, 7)))

	// THEN: the payment is listed with its amount
	assert.Contains(t, out.String(), "Rent flat 2")
	assert.Contains(t, out.String(), "950.00")
	assert.Contains(t, out.String(), "pending")

	// WHEN: it is paid and the range reported
	_, err = a.engine.Charge(ctx, p.ID, obligation.MethodBankTransfer)
	require.NoError(t, err)
	rng := report.Range{From: due.AddDate(0, 0, -1), To: due.AddDate(0, 0, 1)}
	ui, out, _ = testUI()
	require.NoError(t, reportRun(ctx, a, ui, rng))

	// THEN: it counts as rent income
	assert.Contains(t, out.String(), "rent")
	assert.Contains(t, out.String(), "Income:      950.00")
	assert.Contains(t, out.String(), "Profit/Loss: 950.00")

	// AND: exports as CSV
	path := filepath.Join(t.TempDir(), "march.csv")
	ui, out, _ = testUI()
	require.NoError(t, exportRun(ctx, a, ui, rng, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Date,Description,Amount,Category,Payment Method,Status")
	assert.Contains(t, string(data), "Rent flat 2,950.00,rent,bank_transfer,Completed")
	assert.Contains(t, out.String(), "Wrote 1 transaction(s)")
}

func TestDue_Empty(t *testing.T) {
	a := testApp(t, "")
	ui, out, _ := testUI()
	require.NoError(t, dueRun(context.Background(), a, ui, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, out.String(), "Nothing due before 2030-01-01")
}

func TestQueueAndSync(t *testing.T) {
	// GIVEN: an issue opened while offline
	a := testApp(t, "")
	ctx := context.Background()
	link, ok := a.monitor.(*offline.Switch)
	require.True(t, ok)
	link.Set(true)

	out, err := a.client.CreateIssue(ctx, obligation.IssueInput{Title: "Broken window"})
	require.NoError(t, err)
	require.True(t, out.Queued)

	// WHEN: listing the queue
	ui, stdout, _ := testUI()
	require.NoError(t, queueRun(ctx, a, ui))

	// THEN: the action is shown for this device
	assert.Contains(t, stdout.String(), "create_issue")
	assert.Contains(t, stdout.String(), "1 action(s) queued for device laptop")

	// WHEN: back online and synced
	link.Set(false)
	ui, stdout, _ = testUI()
	require.NoError(t, syncRun(ctx, a, ui))
	assert.Contains(t, stdout.String(), "Applied 1 action(s)")

	// THEN: the queue is empty and the issue untagged
	ui, stdout, _ = testUI()
	require.NoError(t, queueRun(ctx, a, ui))
	assert.Contains(t, stdout.String(), "No queued actions for device laptop")

	issue, err := a.engine.Get(ctx, out.Obligation.ID)
	require.NoError(t, err)
	assert.False(t, issue.PendingSync)

	ui, stdout, _ = testUI()
	require.NoError(t, syncRun(ctx, a, ui))
	assert.Contains(t, stdout.String(), "Queue is empty")
}

func TestSync_OfflineProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := testApp(t, srv.URL)
	ui, _, errOut := testUI()
	require.NoError(t, syncRun(context.Background(), a, ui))
	assert.Contains(t, errOut.String(), "Offline")
}

func TestParseRange(t *testing.T) {
	now := time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)

	rng, err := parseRange("", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), rng.From)
	assert.Equal(t, "2025-02-28", rng.To.Format(time.DateOnly))
	assert.Equal(t, 23, rng.To.Hour(), "end date covers the whole day")

	rng, err = parseRange("2025-01-01", "2025-03-31", now)
	require.NoError(t, err)
	assert.Equal(t, time.January, rng.From.Month())
	assert.Equal(t, time.March, rng.To.Month())

	_, err = parseRange("2025-03-31", "2025-01-01", now)
	assert.Error(t, err)
	_, err = parseRange("01/01/2025", "", now)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	buildVersion, buildCommit, buildDate = "1.4.0", "abc123", "2025-05-01"

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "obligations 1.4.0 (commit abc123, built 2025-05-01)\n", buf.String())
}

func TestContractors(t *testing.T) {
	a := testApp(t, "")

	ui, out, _ := testUI()
	require.NoError(t, contractorsRun(a, ui, contractor.Query{}))
	text := out.String()
	assert.Less(t, strings.Index(text, "Sarah Brown"), strings.Index(text, "John Smith"), "preferred first")
	assert.Contains(t, text, "preferred")
	assert.Contains(t, text, "75.00/h")
	assert.Contains(t, text, "4/5")

	ui, out, _ = testUI()
	require.NoError(t, contractorsRun(a, ui, contractor.Query{Specialty: contractor.HVAC}))
	assert.Contains(t, out.String(), "No contractors match")

	// The engine assigns against the same directory
	issue, err := a.engine.CreateIssue(context.Background(), obligation.IssueInput{Title: "Tripped breaker"})
	require.NoError(t, err)
	issue, err = a.engine.AssignContractor(context.Background(), issue.ID, "c-brown")
	require.NoError(t, err)
	assert.Equal(t, "Sarah Brown", issue.AssignedTo)
}

func TestNewDirectory_RejectsBadSeed(t *testing.T) {
	_, err := newDirectory([]config.ContractorConfig{{ID: "x", Name: "X", Company: "X", Specialties: []string{"astrology"}}})
	assert.ErrorContains(t, err, "contractors[0]")

	_, err = newDirectory([]config.ContractorConfig{{ID: "x", Name: "X", Company: "X", Specialties: []string{"painting"}, HourlyRate: "cheap"}})
	assert.ErrorContains(t, err, "hourly_rate")
}
