package pipeline

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/util"
)

const (
	colUserID       = 0
	colOrderCount   = 9
	colTotalAmount  = 10
	colTotalItem    = 11
	colEventCount   = 12
	colSessionCount = 13
	colPlatform     = 14
	colDaysCreation = 15
	colScore        = 18
	colScoreFailed  = 19
)

func testConfig(t *testing.T) (config.Config, string) {
	t.Helper()
	t.Setenv("POSTGRES_HOST", "")

	root := t.TempDir()
	for _, name := range []string{"users", "orders", "events"} {
		if err := os.MkdirAll(filepath.Join(root, "landing", name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	src := func(name string) config.SourceConfig {
		return config.SourceConfig{
			Name:            name,
			Format:          "csv",
			Path:            filepath.Join(root, "landing", name),
			TimestampLayout: config.DefaultTimestampLayout,
			CheckpointPath:  filepath.Join(root, "data", name+"-checkpoint.json"),
		}
	}
	users := src("users")
	users.Constraints = []config.ConstraintConfig{
		{Field: "id", Rule: "not_null", Policy: "drop_row"},
	}
	orders := src("orders")
	orders.Constraints = []config.ConstraintConfig{
		{Field: "amount", Rule: "non_negative", Policy: "drop_row"},
	}

	cfg := config.Config{
		DataDir:     filepath.Join(root, "data"),
		EvalInstant: "2020-03-01T00:00:00Z",
		Sources:     []config.SourceConfig{users, orders, src("events")},
		Scoring: config.ScoringConfig{
			Type:    "logistic",
			Name:    "churn-logistic",
			Version: "1",
			Timeout: time.Second,
			Inputs:  []string{"order_count", "total_amount"},
			Logistic: config.LogisticConfig{
				Intercept: 0,
				Weights:   map[string]float64{"order_count": 1},
			},
		},
		Sinks: config.SinksConfig{
			CSV: config.CSVSinkConfig{Path: filepath.Join(root, "out", "predictions.csv")},
		},
		Dedup: config.DedupConfig{Enable: true, MaxKeys: 1000},
	}
	return cfg, root
}

func writeFixtures(t *testing.T, root string) {
	t.Helper()
	write := func(rel, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(root, "landing", rel), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("users/users-0001.csv",
		"id,email,creation_date,last_activity_date,gender,age_group,canal,country,churn\n"+
			"1,alice@example.com,01-01-2020 00:00:00,02-01-2020 00:00:00,1,3,WEB,FR,0\n"+
			",ghost@example.com,01-01-2020 00:00:00,02-01-2020 00:00:00,1,3,WEB,FR,0\n")
	write("orders/orders-0001.csv",
		"id,user_id,amount,item_count,transaction_date\n"+
			"10,1,50,2,02-01-2020 00:00:00\n")
	write("events/events-0001.csv",
		"user_id,session_id,platform,action,url,date\n"+
			"1,s1,IOS,click,/home,02-01-2020 00:00:00\n"+
			"1,s1,IOS,view,/plans,02-01-2020 00:00:00\n")
}

func readSink(t *testing.T, cfg config.Config) [][]string {
	t.Helper()
	f, err := os.Open(cfg.Sinks.CSV.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func newRunner(t *testing.T, cfg config.Config) *Runner {
	t.Helper()
	r, err := New(context.Background(), cfg, util.NewLogger(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRunBatchEndToEnd(t *testing.T) {
	cfg, root := testConfig(t)
	writeFixtures(t, root)

	r := newRunner(t, cfg)
	if err := r.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := readSink(t, cfg)
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 feature row, got %d rows", len(rows))
	}
	row := rows[1]
	if row[colUserID] != "1" {
		t.Errorf("user_id = %q, want 1 (null-id row must be dropped)", row[colUserID])
	}
	if row[colOrderCount] != "1" || row[colTotalAmount] != "50.00" || row[colTotalItem] != "2" {
		t.Errorf("order aggregates = %q/%q/%q, want 1/50.00/2", row[colOrderCount], row[colTotalAmount], row[colTotalItem])
	}
	if row[colEventCount] != "2" || row[colSessionCount] != "1" {
		t.Errorf("event aggregates = %q/%q, want 2/1", row[colEventCount], row[colSessionCount])
	}
	if row[colPlatform] != "ios" {
		t.Errorf("platform = %q, want ios (normalized lowercase)", row[colPlatform])
	}
	if row[colDaysCreation] != "60" {
		t.Errorf("days_since_creation = %q, want 60", row[colDaysCreation])
	}
	if row[colScore] == "" || row[colScoreFailed] != "false" {
		t.Errorf("score = %q failed = %q, want a value and false", row[colScore], row[colScoreFailed])
	}

	st := r.Status()
	if st.Users != 1 || st.Orders != 1 || st.Events != 2 || st.Aggregates != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.LastBatchID == "" {
		t.Error("status must carry the committed batch id")
	}
	for _, name := range []string{"users", "orders", "events"} {
		cp := filepath.Join(root, "data", name+"-checkpoint.json")
		if _, err := os.Stat(cp); err != nil {
			t.Errorf("checkpoint not committed for %s: %v", name, err)
		}
	}
}

func TestRunBatchIncrementalAppend(t *testing.T) {
	cfg, root := testConfig(t)
	writeFixtures(t, root)

	r := newRunner(t, cfg)
	if err := r.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A later export lands a second order for the same user.
	body := "id,user_id,amount,item_count,transaction_date\n" +
		"11,1,30,1,02-15-2020 00:00:00\n"
	if err := os.WriteFile(filepath.Join(root, "landing", "orders", "orders-0002.csv"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := readSink(t, cfg)
	if len(rows) != 2 {
		t.Fatalf("expected 1 feature row, got %d", len(rows)-1)
	}
	row := rows[1]
	if row[colOrderCount] != "2" || row[colTotalAmount] != "80.00" || row[colTotalItem] != "3" {
		t.Errorf("after append: %q/%q/%q, want 2/80.00/3", row[colOrderCount], row[colTotalAmount], row[colTotalItem])
	}
}

// Losing the checkpoints after a committed batch must not change the
// aggregates: the refetched lines are filtered by the replay journal.
func TestRestartWithoutCheckpointsIsIdempotent(t *testing.T) {
	cfg, root := testConfig(t)
	writeFixtures(t, root)

	r1 := newRunner(t, cfg)
	if err := r1.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := readSink(t, cfg)

	for _, name := range []string{"users", "orders", "events"} {
		if err := os.Remove(filepath.Join(root, "data", name+"-checkpoint.json")); err != nil {
			t.Fatal(err)
		}
	}

	r2 := newRunner(t, cfg)
	if err := r2.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := readSink(t, cfg)
	if len(got) != len(want) {
		t.Fatalf("row count changed after replay: got %d, want %d", len(got), len(want))
	}
	row := got[1]
	if row[colOrderCount] != "1" || row[colTotalAmount] != "50.00" || row[colEventCount] != "2" {
		t.Errorf("replay double-counted: %q/%q/%q, want 1/50.00/2", row[colOrderCount], row[colTotalAmount], row[colEventCount])
	}

	st := r2.Status()
	if st.Users != 1 || st.Orders != 1 || st.Events != 2 {
		t.Errorf("history grew on replay: %+v", st)
	}
}

func TestRestartRestoresHistory(t *testing.T) {
	cfg, root := testConfig(t)
	writeFixtures(t, root)

	r1 := newRunner(t, cfg)
	if err := r1.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	// No new landing files; a fresh process must rebuild the same table
	// from the persisted clean history.
	r2 := newRunner(t, cfg)
	if err := r2.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	rows := readSink(t, cfg)
	if len(rows) != 2 {
		t.Fatalf("expected 1 feature row after restart, got %d", len(rows)-1)
	}
	if rows[1][colOrderCount] != "1" || rows[1][colTotalAmount] != "50.00" {
		t.Errorf("restored aggregates = %q/%q, want 1/50.00", rows[1][colOrderCount], rows[1][colTotalAmount])
	}
}

// One leg failing must not lose the sibling legs' cleaned records: they are
// already journaled and marked in the replay filter, so the history has to
// adopt them or later batches would aggregate without them.
func TestLegFailureKeepsSiblingRecords(t *testing.T) {
	cfg, root := testConfig(t)
	writeFixtures(t, root)
	ordersDir := filepath.Join(root, "landing", "orders")
	if err := os.RemoveAll(ordersDir); err != nil {
		t.Fatal(err)
	}

	r := newRunner(t, cfg)
	if err := r.RunBatch(context.Background()); err == nil {
		t.Fatal("expected batch to fail while the orders directory is missing")
	}

	if err := os.MkdirAll(ordersDir, 0755); err != nil {
		t.Fatal(err)
	}
	body := "id,user_id,amount,item_count,transaction_date\n" +
		"10,1,50,2,02-01-2020 00:00:00\n"
	if err := os.WriteFile(filepath.Join(ordersDir, "orders-0001.csv"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	if err := r.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	rows := readSink(t, cfg)
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 feature row after orders recovery, got %d rows", len(rows))
	}
	row := rows[1]
	if row[colUserID] != "1" || row[colOrderCount] != "1" || row[colEventCount] != "2" {
		t.Errorf("users/events from the failed batch were lost: %q/%q/%q, want 1/1/2",
			row[colUserID], row[colOrderCount], row[colEventCount])
	}

	st := r.Status()
	if st.Users != 1 || st.Orders != 1 || st.Events != 2 {
		t.Errorf("history after recovery = %+v", st)
	}
}

func TestFailPolicyAbortsBatch(t *testing.T) {
	cfg, root := testConfig(t)
	writeFixtures(t, root)
	cfg.Sources[1].Constraints = []config.ConstraintConfig{
		{Field: "amount", Rule: "non_negative", Policy: "fail"},
	}
	body := "id,user_id,amount,item_count,transaction_date\n" +
		"12,1,-5,1,02-01-2020 00:00:00\n"
	if err := os.WriteFile(filepath.Join(root, "landing", "orders", "orders-0002.csv"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	r := newRunner(t, cfg)
	if err := r.RunBatch(context.Background()); err == nil {
		t.Fatal("expected batch to abort on fail-policy violation")
	}
	for _, name := range []string{"users", "orders", "events"} {
		if _, err := os.Stat(filepath.Join(root, "data", name+"-checkpoint.json")); !os.IsNotExist(err) {
			t.Errorf("checkpoint for %s must not advance on a failed batch", name)
		}
	}
}
