// Package housekeeping implements C7: the two background maintenance tasks
// of spec.md §4.7 — coordination-store cleanup of terminal transactions and
// audit-store archival of old submissions. Both run on their own ticker
// goroutine with a stop channel, grounded on p2p/nonce_guard.go's janitor
// pattern rather than any external scheduler library.
package housekeeping

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"bftquorum/auditstore"
	"bftquorum/coordstore"
	"bftquorum/model"
)

const (
	defaultCsSweepInterval = time.Hour
	defaultCsHorizon       = 24 * time.Hour
	defaultAsSweepInterval = 24 * time.Hour
	defaultAsHorizon       = 30 * 24 * time.Hour
)

// Config overrides the default intervals and horizons; zero values fall
// back to the spec.md §4.7 defaults.
type Config struct {
	CsSweepInterval time.Duration
	CsHorizon       time.Duration
	AsSweepInterval time.Duration
	AsHorizon       time.Duration
}

func (c Config) withDefaults() Config {
	if c.CsSweepInterval <= 0 {
		c.CsSweepInterval = defaultCsSweepInterval
	}
	if c.CsHorizon <= 0 {
		c.CsHorizon = defaultCsHorizon
	}
	if c.AsSweepInterval <= 0 {
		c.AsSweepInterval = defaultAsSweepInterval
	}
	if c.AsHorizon <= 0 {
		c.AsHorizon = defaultAsHorizon
	}
	return c
}

// Runner drives both background tasks. Each runs on its own ticker so a
// slow audit-store archival pass never delays coordination-store cleanup.
type Runner struct {
	cfg   Config
	cs    coordstore.Store
	audit *auditstore.Store
	log   *slog.Logger

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cs coordstore.Store, audit *auditstore.Store, cfg Config, log *slog.Logger) *Runner {
	if cs == nil || audit == nil {
		panic("housekeeping: nil dependency passed to New")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg.withDefaults(), cs: cs, audit: audit, log: log, now: time.Now, stop: make(chan struct{})}
}

// Start launches both janitor goroutines. Stop (or cancelling ctx) ends both.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.runCsSweep(ctx)
	go r.runAsArchival(ctx)
}

// Stop signals both tasks to exit and waits for them to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Runner) runCsSweep(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CsSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.SweepCoordinationStore(ctx); err != nil {
				r.log.Error("coordination-store sweep failed", "error", err)
			}
		}
	}
}

func (r *Runner) runAsArchival(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.AsSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			archived, err := r.audit.ArchiveOlderThan(r.now().Add(-r.cfg.AsHorizon))
			if err != nil {
				r.log.Error("audit-store archival failed", "error", err)
				continue
			}
			if archived > 0 {
				r.log.Info("archived old submissions", "count", archived)
			}
		}
	}
}

// SweepCoordinationStore deletes /votes/{tx}/*, /vote_counts/{tx}/*, and
// /tx_state/{tx} for every transaction that is both terminal and older than
// the configured horizon (spec.md §4.7.1). It only ever deletes keys whose
// parent tx_state is confirmed terminal, so a concurrently-finishing
// transaction is never touched.
func (r *Runner) SweepCoordinationStore(ctx context.Context) error {
	entries, err := r.cs.ListPrefix(ctx, coordstore.TxStatePrefix())
	if err != nil {
		return err
	}
	horizonCutoff := r.now().Add(-r.cfg.CsHorizon)
	prefixLen := len(coordstore.TxStatePrefix())
	for _, kv := range entries {
		state := model.TxState(kv.Value)
		if !state.Terminal() {
			continue
		}
		hexTxID := kv.Key[prefixLen:]
		if !r.olderThanHorizon(ctx, hexTxID, horizonCutoff) {
			continue
		}
		r.deleteTransactionKeys(ctx, hexTxID, kv.Key)
	}
	return nil
}

// olderThanHorizon reports whether the transaction identified by its
// hex-encoded key segment has aged past cutoff, using the Timestamp field of
// its recorded votes as a proxy for transaction age (the tx_state value
// itself carries no timestamp).
func (r *Runner) olderThanHorizon(ctx context.Context, hexTxID string, cutoff time.Time) bool {
	votes, err := r.cs.ListPrefix(ctx, "/votes/"+hexTxID+"/")
	if err != nil || len(votes) == 0 {
		return true
	}
	for _, kv := range votes {
		var v model.Vote
		if jsonErr := json.Unmarshal(kv.Value, &v); jsonErr == nil && v.Timestamp.After(cutoff) {
			return false
		}
	}
	return true
}

func (r *Runner) deleteTransactionKeys(ctx context.Context, hexTxID, txStateKey string) {
	votePrefix := "/votes/" + hexTxID + "/"
	countPrefix := "/vote_counts/" + hexTxID + "/"

	for _, prefix := range []string{votePrefix, countPrefix} {
		kvs, err := r.cs.ListPrefix(ctx, prefix)
		if err != nil {
			r.log.Error("failed to list keys during sweep", "prefix", prefix, "error", err)
			continue
		}
		for _, kv := range kvs {
			if err := r.cs.Delete(ctx, kv.Key); err != nil {
				r.log.Error("failed to delete key during sweep", "key", kv.Key, "error", err)
			}
		}
	}
	if err := r.cs.Delete(ctx, txStateKey); err != nil {
		r.log.Error("failed to delete tx_state during sweep", "key", txStateKey, "error", err)
	}
}
