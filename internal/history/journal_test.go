package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/throttle"
)

type fakeRepo struct {
	mu       sync.Mutex
	entries  []Entry
	outcomes []Outcome
	prunes   []time.Time
	written  chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{written: make(chan struct{}, 16)}
}

func (r *fakeRepo) Record(_ context.Context, e *Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, *e)
	r.mu.Unlock()
	r.written <- struct{}{}
	return nil
}

func (r *fakeRepo) RecordOutcome(_ context.Context, o *Outcome) error {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, *o)
	r.mu.Unlock()
	r.written <- struct{}{}
	return nil
}

func (r *fakeRepo) Recent(context.Context, Filter) ([]Entry, error) { return nil, nil }

func (r *fakeRepo) RecentOutcomes(context.Context, int) ([]Outcome, error) { return nil, nil }

func (r *fakeRepo) Prune(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	r.prunes = append(r.prunes, before)
	r.mu.Unlock()
	r.written <- struct{}{}
	return 0, nil
}

func (r *fakeRepo) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.written:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for journal write")
	}
}

func TestEntryFromEvent(t *testing.T) {
	ev := connection.Event{
		Kind:    connection.EventStateChanged,
		From:    connection.StateConnecting,
		To:      connection.StateReconnecting,
		Attempt: 2,
		Delay:   1500 * time.Millisecond,
		Err:     errors.New("broker unreachable"),
		At:      base,
	}
	e := EntryFromEvent(ev)
	if e.Kind != "state_changed" || e.From != string(connection.StateConnecting) || e.To != string(connection.StateReconnecting) {
		t.Errorf("EntryFromEvent() = %+v", e)
	}
	if e.Attempt != 2 || e.Delay != 1500*time.Millisecond || e.Error != "broker unreachable" || !e.At.Equal(base) {
		t.Errorf("EntryFromEvent() = %+v, fields not copied", e)
	}
}

func TestJournalRun(t *testing.T) {
	repo := newFakeRepo()
	clk := clocktesting.NewFakeClock(base)
	j := NewJournal(repo, 24*time.Hour, WithClock(clk), WithPruneInterval(time.Hour))

	events := make(chan connection.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, events) }()

	// Startup prune.
	repo.wait(t)

	events <- connection.Event{Kind: connection.EventSubscribed, Topic: "AMS/brightness/control", At: base}
	repo.wait(t)

	j.ObserveReport("AMS/wifi", throttle.Result{Reason: throttle.RateLimited})
	repo.wait(t)

	for !clk.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	clk.Step(time.Hour)
	repo.wait(t)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.entries) != 1 || repo.entries[0].Topic != "AMS/brightness/control" {
		t.Errorf("entries = %+v", repo.entries)
	}
	if len(repo.outcomes) != 1 || repo.outcomes[0].Result != "skipped: rate limited" {
		t.Errorf("outcomes = %+v", repo.outcomes)
	}
	wantPrunes := []time.Time{base.Add(-24 * time.Hour), base.Add(-23 * time.Hour)}
	if len(repo.prunes) != len(wantPrunes) {
		t.Fatalf("prunes = %v, want %v", repo.prunes, wantPrunes)
	}
	for i, w := range wantPrunes {
		if !repo.prunes[i].Equal(w) {
			t.Errorf("prune[%d] cutoff = %v, want %v", i, repo.prunes[i], w)
		}
	}
}

func TestJournalRun_NoRetentionSkipsPrune(t *testing.T) {
	repo := newFakeRepo()
	j := NewJournal(repo, 0, WithClock(clocktesting.NewFakeClock(base)))

	events := make(chan connection.Event)
	close(events)
	if err := j.Run(context.Background(), events); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(repo.prunes) != 0 {
		t.Errorf("Prune called %d times, want 0", len(repo.prunes))
	}
}

func TestObserveReport_DropsWhenFull(t *testing.T) {
	j := NewJournal(newFakeRepo(), 0)
	for range outcomeBuffer + 10 {
		j.ObserveReport("AMS/wifi", throttle.Result{})
	}
	if len(j.outcomes) != outcomeBuffer {
		t.Errorf("queued %d outcomes, want %d", len(j.outcomes), outcomeBuffer)
	}
}
