package history

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/throttle"
)

// Journal timings.
const (
	DefaultPruneInterval = 24 * time.Hour
	writeTimeout         = 5 * time.Second
	outcomeBuffer        = 64
)

// Logger is the logging interface used by Journal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the time source for pruning.
func WithClock(c clock.WithTicker) Option {
	return func(j *Journal) { j.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithPruneInterval sets how often expired rows are removed.
func WithPruneInterval(d time.Duration) Option {
	return func(j *Journal) { j.pruneEvery = d }
}

// Journal writes connection events and report outcomes to a Repository.
// All writes happen on the Run goroutine.
type Journal struct {
	repo       Repository
	retention  time.Duration
	pruneEvery time.Duration
	clock      clock.WithTicker
	logger     Logger
	outcomes   chan Outcome
}

// NewJournal creates a journal. A retention of zero keeps rows forever.
func NewJournal(repo Repository, retention time.Duration, opts ...Option) *Journal {
	j := &Journal{
		repo:       repo,
		retention:  retention,
		pruneEvery: DefaultPruneInterval,
		clock:      clock.RealClock{},
		logger:     noopLogger{},
		outcomes:   make(chan Outcome, outcomeBuffer),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ObserveReport queues a report outcome. It never blocks; outcomes are
// dropped while the queue is full.
func (j *Journal) ObserveReport(topic string, res throttle.Result) {
	o := Outcome{Topic: topic, Result: res.String(), At: j.clock.Now()}
	select {
	case j.outcomes <- o:
	default:
		j.logger.Debug("journal queue full, dropping report outcome", "topic", topic)
	}
}

// Run writes events until ctx is done or events is closed.
func (j *Journal) Run(ctx context.Context, events <-chan connection.Event) error {
	var prune <-chan time.Time
	if j.retention > 0 {
		j.prune(ctx)
		ticker := j.clock.NewTicker(j.pruneEvery)
		defer ticker.Stop()
		prune = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e := EntryFromEvent(ev)
			j.write(ctx, "connection event", func(wctx context.Context) error { return j.repo.Record(wctx, &e) })

		case o := <-j.outcomes:
			j.write(ctx, "report outcome", func(wctx context.Context) error { return j.repo.RecordOutcome(wctx, &o) })

		case <-prune:
			j.prune(ctx)
		}
	}
}

func (j *Journal) write(ctx context.Context, what string, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := fn(wctx); err != nil {
		j.logger.Warn("journal write failed", "record", what, "error", err)
	}
}

func (j *Journal) prune(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	n, err := j.repo.Prune(wctx, j.clock.Now().Add(-j.retention))
	if err != nil {
		j.logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("journal pruned", "rows", n)
	}
}

// EntryFromEvent converts a connection event to a journal entry.
func EntryFromEvent(ev connection.Event) Entry {
	e := Entry{
		Kind:    ev.Kind.String(),
		From:    string(ev.From),
		To:      string(ev.To),
		Attempt: ev.Attempt,
		Delay:   ev.Delay,
		Topic:   ev.Topic,
		Reason:  ev.Reason,
		At:      ev.At,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	return e
}
