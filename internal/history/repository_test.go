package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/ams-agent/internal/infrastructure/database"
	"github.com/nerrad567/ams-agent/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestRecordAndRecent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	entries := []Entry{
		{Kind: "state_changed", From: "disconnected", To: "connecting", At: base},
		{Kind: "state_changed", From: "connecting", To: "reconnecting", Attempt: 1, Delay: 1250 * time.Millisecond, Error: "dial refused", At: base.Add(time.Second)},
		{Kind: "subscribe_failed", Topic: "AMS/brightness/control", At: base.Add(2 * time.Second)},
	}
	for i := range entries {
		if err := repo.Record(ctx, &entries[i]); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if entries[i].ID == "" {
			t.Error("Record() did not assign an ID")
		}
	}

	got, err := repo.Recent(ctx, Filter{})
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(got))
	}
	if got[0].Kind != "subscribe_failed" || got[0].Topic != "AMS/brightness/control" {
		t.Errorf("Recent()[0] = %+v, want newest first", got[0])
	}
	if got[1].Delay != 1250*time.Millisecond || got[1].Attempt != 1 || got[1].Error != "dial refused" {
		t.Errorf("Recent()[1] = %+v, fields not preserved", got[1])
	}
	if !got[2].At.Equal(base) {
		t.Errorf("Recent()[2].At = %v, want %v", got[2].At, base)
	}

	filtered, err := repo.Recent(ctx, Filter{Kind: "state_changed", Since: base.Add(500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Recent(filter) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].To != "reconnecting" {
		t.Errorf("Recent(filter) = %+v, want only the reconnecting entry", filtered)
	}

	limited, err := repo.Recent(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Recent(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Recent(limit 2) returned %d entries", len(limited))
	}
}

func TestRecordOutcomeAndPrune(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	old := &Outcome{Topic: "AMS/wifi", Result: "sent", At: base.Add(-48 * time.Hour)}
	recent := &Outcome{Topic: "AMS/wifi", Result: "skipped: rate limited", At: base}
	for _, o := range []*Outcome{old, recent} {
		if err := repo.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
	}
	if err := repo.Record(ctx, &Entry{Kind: "subscribed", At: base.Add(-72 * time.Hour)}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	n, err := repo.Prune(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d rows, want 2", n)
	}

	outcomes, err := repo.RecentOutcomes(ctx, 0)
	if err != nil {
		t.Fatalf("RecentOutcomes() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != "skipped: rate limited" {
		t.Errorf("RecentOutcomes() = %+v, want only the recent outcome", outcomes)
	}

	entries, err := repo.Recent(ctx, Filter{})
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Recent() = %+v, want empty after prune", entries)
	}
}

func TestEntry_JSONDelay(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  string
	}{
		{4 * time.Second, `"delay_ms":4000`},
		{1250 * time.Millisecond, `"delay_ms":1250`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(Entry{ID: "x", Kind: "state_changed", Delay: tt.delay})
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		if !strings.Contains(string(data), tt.want) {
			t.Errorf("json.Marshal(%v) = %s, want %s", tt.delay, data, tt.want)
		}

		var back Entry
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("json.Unmarshal() error = %v", err)
		}
		if back.Delay != tt.delay || back.Kind != "state_changed" {
			t.Errorf("round trip = %+v, want delay %v", back, tt.delay)
		}
	}

	data, err := json.Marshal(Entry{ID: "x", Kind: "subscribed"})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "delay_ms") {
		t.Errorf("zero delay should be omitted: %s", data)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, defaultLimit},
		{-5, defaultLimit},
		{10, 10},
		{10000, maxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
