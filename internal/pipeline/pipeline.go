package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"churn-analytics/feature-pipeline/internal/aggregate"
	"churn-analytics/feature-pipeline/internal/clean"
	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/metrics"
	"churn-analytics/feature-pipeline/internal/model"
	"churn-analytics/feature-pipeline/internal/score"
	"churn-analytics/feature-pipeline/internal/server"
	"churn-analytics/feature-pipeline/internal/sink"
	"churn-analytics/feature-pipeline/internal/source"
	"churn-analytics/feature-pipeline/internal/store"
	"churn-analytics/feature-pipeline/internal/util"
)

// leg is one independent ingestion+cleaning chain. Legs share no mutable
// state; each owns its source, cleaner, checkpoint, and record log.
type leg struct {
	name string
	src  source.Source
	cln  *clean.Cleaner
	rlog *store.RecordLog
}

type legResult struct {
	name   string
	users  []model.UserRecord
	orders []model.OrderRecord
	events []model.EventRecord
	err    error
}

// Runner drives the micro-batch cycle: parallel source legs, a barrier,
// full-recompute aggregation, scoring, sink fan-out, then checkpoint
// commits. Checkpoints never advance unless every sink succeeded.
type Runner struct {
	cfg    config.Config
	logger *util.Logger
	legs   []*leg
	dedup  *store.Dedup
	scorer score.Scorer
	sinks  []sink.Sink
	evalAt time.Time // zero: pin to batch start

	mu     sync.Mutex
	users  []model.UserRecord
	orders []model.OrderRecord
	events []model.EventRecord
	status server.Status
}

func New(ctx context.Context, cfg config.Config, logger *util.Logger) (*Runner, error) {
	r := &Runner{cfg: cfg, logger: logger}

	if cfg.EvalInstant != "" {
		t, err := time.Parse(time.RFC3339, cfg.EvalInstant)
		if err != nil {
			return nil, fmt.Errorf("eval_instant: %w", err)
		}
		r.evalAt = t.UTC()
	}

	for _, sc := range cfg.Sources {
		src, err := source.NewFromConfig(sc, logger)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", sc.Name, err)
		}
		cln, err := clean.New(sc, logger)
		if err != nil {
			return nil, fmt.Errorf("build cleaner %s: %w", sc.Name, err)
		}
		r.legs = append(r.legs, &leg{
			name: sc.Name,
			src:  src,
			cln:  cln,
			rlog: store.NewRecordLog(filepath.Join(cfg.DataDir, sc.Name+".log")),
		})
	}

	if cfg.Dedup.Enable {
		r.dedup = store.NewDedup(cfg.Dedup.MaxKeys, cfg.Dedup.TTL)
	} else {
		logger.Warn("dedup disabled: crash replays may double-count aggregates")
	}

	scorer, err := score.NewFromConfig(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	r.scorer = scorer

	if cfg.Sinks.CSV.Path != "" {
		s, err := sink.NewCSV(cfg.Sinks.CSV)
		if err != nil {
			return nil, fmt.Errorf("init csv sink: %w", err)
		}
		r.sinks = append(r.sinks, s)
	}
	if dsn := cfg.PostgresDSN(); dsn != "" {
		s, err := sink.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("init postgres sink: %w", err)
		}
		r.sinks = append(r.sinks, s)
	}
	if len(r.sinks) == 0 {
		return nil, fmt.Errorf("no sinks configured")
	}

	if err := r.loadHistory(); err != nil {
		return nil, err
	}
	return r, nil
}

// loadHistory replays the persisted clean-record logs so full-recompute
// aggregation survives restarts. The journaled keys re-seed the replay
// filter: a crash between log append and checkpoint commit refetches the
// same lines, and the seeded filter keeps them out of the history.
func (r *Runner) loadHistory() error {
	seed := func(key string) {
		if r.dedup != nil {
			r.dedup.Check(key)
		}
	}
	for _, l := range r.legs {
		var err error
		switch l.name {
		case model.SourceUsers:
			err = l.rlog.Each(func(key string, b []byte) error {
				var u model.UserRecord
				if e := json.Unmarshal(b, &u); e != nil {
					return e
				}
				seed(key)
				r.users = append(r.users, u)
				return nil
			})
		case model.SourceOrders:
			err = l.rlog.Each(func(key string, b []byte) error {
				var o model.OrderRecord
				if e := json.Unmarshal(b, &o); e != nil {
					return e
				}
				seed(key)
				r.orders = append(r.orders, o)
				return nil
			})
		case model.SourceEvents:
			err = l.rlog.Each(func(key string, b []byte) error {
				var e model.EventRecord
				if er := json.Unmarshal(b, &e); er != nil {
					return er
				}
				seed(key)
				r.events = append(r.events, e)
				return nil
			})
		}
		if err != nil {
			return fmt.Errorf("load %s history: %w", l.name, err)
		}
	}
	if n := len(r.users) + len(r.orders) + len(r.events); n > 0 {
		r.logger.Info("restored clean history: %d users, %d orders, %d events", len(r.users), len(r.orders), len(r.events))
	}
	return nil
}

// Status returns the admin snapshot of the last committed batch.
func (r *Runner) Status() server.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Close releases sink resources.
func (r *Runner) Close() {
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.logger.Warn("close sink %s: %v", s.Name(), err)
		}
	}
}

// RunBatch executes one micro-batch to completion. Any leg failure, sink
// failure, or checkpoint-commit failure leaves the durable cursors
// untouched so the next run retries the same input.
func (r *Runner) RunBatch(ctx context.Context) error {
	start := time.Now().UTC()
	batchID := uuid.New().String()
	evalAt := r.evalAt
	if evalAt.IsZero() {
		evalAt = start
	}
	r.logger.Debug("batch %s starting (eval_at=%s)", batchID, evalAt.Format(time.RFC3339))

	// The three legs are independent until the join; run them in parallel
	// and barrier before aggregation. A partial join against a failed leg
	// would silently under-report keys.
	results := make(chan legResult, len(r.legs))
	var wg sync.WaitGroup
	for _, l := range r.legs {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.runLeg(ctx, l)
		}()
	}
	wg.Wait()
	close(results)

	var newUsers []model.UserRecord
	var newOrders []model.OrderRecord
	var newEvents []model.EventRecord
	var legErr error
	for res := range results {
		if res.err != nil {
			if legErr == nil {
				legErr = fmt.Errorf("leg %s: %w", res.name, res.err)
			}
			continue
		}
		newUsers = append(newUsers, res.users...)
		newOrders = append(newOrders, res.orders...)
		newEvents = append(newEvents, res.events...)
	}

	// A successful leg has already journaled its records and marked their
	// keys in the replay filter, so the history must adopt them even when a
	// sibling leg failed. Otherwise the filter would hide the refetched rows
	// from every later batch until a restart replays the log.
	r.mu.Lock()
	r.users = append(r.users, newUsers...)
	r.orders = append(r.orders, newOrders...)
	r.events = append(r.events, newEvents...)
	users, orders, events := r.users, r.orders, r.events
	r.mu.Unlock()

	if legErr != nil {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("batch %s: %w", batchID, legErr)
	}

	aggs, joinStats := aggregate.Build(users, orders, events, evalAt)
	metrics.AggregateKeys.Set(float64(len(aggs)))
	if gaps := joinStats.UsersWithoutOrders + joinStats.UsersWithoutEvents; gaps > 0 {
		r.logger.Debug("batch %s: %d users excluded by join gaps", batchID, gaps)
	}

	scored := score.Apply(ctx, r.scorer, r.cfg.Scoring.Timeout, aggs, start)
	failed := 0
	for _, s := range scored {
		if s.ScoreFailed {
			failed++
		}
	}

	// Fan-out to all sinks; any failure means no checkpoint advance and the
	// next cycle retries.
	var sinkWG sync.WaitGroup
	errCh := make(chan error, len(r.sinks))
	for _, sk := range r.sinks {
		sk := sk
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			if err := sk.Push(ctx, scored); err != nil {
				errCh <- fmt.Errorf("push -> %s: %w", sk.Name(), err)
			}
		}()
	}
	sinkWG.Wait()
	close(errCh)
	for err := range errCh {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("batch %s: %w", batchID, err)
	}

	// Commit point. A commit failure is fatal to the run: an ambiguous
	// cursor risks reprocessing confusion beyond what dedup covers.
	for _, l := range r.legs {
		if err := l.src.Commit(batchID); err != nil {
			metrics.BatchesTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("batch %s: commit %s checkpoint: %w", batchID, l.name, err)
		}
	}

	r.mu.Lock()
	r.status = server.Status{
		LastBatchID: batchID,
		LastRun:     start,
		Users:       len(r.users),
		Orders:      len(r.orders),
		Events:      len(r.events),
		Aggregates:  len(aggs),
		ScoreFailed: failed,
	}
	r.mu.Unlock()

	metrics.BatchesTotal.WithLabelValues("ok").Inc()
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	metrics.LastSuccessTS.Set(float64(time.Now().Unix()))
	r.logger.Info("batch %s: +%d/+%d/+%d new clean records, %d feature rows, %d score failures, %d sink(s), took %s",
		batchID, len(newUsers), len(newOrders), len(newEvents), len(aggs), failed, len(r.sinks),
		time.Since(start).Truncate(time.Millisecond))
	return nil
}

func (r *Runner) runLeg(ctx context.Context, l *leg) legResult {
	res := legResult{name: l.name}

	raws, err := l.src.Fetch(ctx)
	if err != nil {
		res.err = err
		return res
	}

	// Replay filter: records already folded into the clean history are
	// skipped so at-least-once delivery cannot double-count aggregates.
	if r.dedup != nil {
		fresh := raws[:0]
		for _, raw := range raws {
			if r.dedup.Check(raw.Key()) {
				continue
			}
			fresh = append(fresh, raw)
		}
		if len(fresh) < len(raws) {
			r.logger.Debug("%s: replay filter %d -> %d", l.name, len(raws), len(fresh))
		}
		raws = fresh
	}
	if len(raws) == 0 {
		return res
	}

	survivors, stats, err := l.cln.Filter(raws)
	if err != nil {
		res.err = err
		return res
	}
	r.logger.Debug("%s: %d seen, %d malformed, %d dropped, %d alerts", l.name, stats.Seen, stats.Malformed, stats.Dropped, stats.Alerts)

	var keys []string
	switch l.name {
	case model.SourceUsers:
		res.users, keys = l.cln.BindUsers(survivors, &stats)
		res.err = appendAll(l.rlog, keys, res.users)
	case model.SourceOrders:
		res.orders, keys = l.cln.BindOrders(survivors, &stats)
		res.err = appendAll(l.rlog, keys, res.orders)
	case model.SourceEvents:
		res.events, keys = l.cln.BindEvents(survivors, &stats)
		res.err = appendAll(l.rlog, keys, res.events)
	}
	return res
}

func appendAll[T any](rlog *store.RecordLog, keys []string, recs []T) error {
	if len(recs) == 0 {
		return nil
	}
	entries := make([]store.Entry, len(recs))
	for i := range recs {
		e, err := store.NewEntry(keys[i], recs[i])
		if err != nil {
			return err
		}
		entries[i] = e
	}
	return rlog.Append(entries...)
}
