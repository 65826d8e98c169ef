// Package maintenance runs the nightly storageUsed recompute job spec.md
// §3 describes as advisory accounting: walking every user's streams,
// events, accesses and followed slices to refresh the dbDocuments and
// attachedFiles counters that drift over time from crash-interrupted
// mutations. Grounded on the teacher's workflow cron scheduler
// (internal/service/workflow/scheduler.go): worldline-go/hardloop runs the
// job on schedule, and in a clustered deployment a lock-acquire loop against
// internal/cluster.Cluster.LockScheduler ensures only the leader runs it.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldline-go/hardloop"

	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
)

// Locker coordinates a single maintenance run across a cluster of
// processes. internal/cluster.Cluster satisfies this. Pass nil for
// single-process deployments to run on every tick unconditionally.
type Locker interface {
	LockScheduler(ctx context.Context) error
	UnlockScheduler() error
}

type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Job owns the cron schedule for the nightly recompute.
type Job struct {
	store  store.Storer
	locker Locker
	spec   string

	mu     sync.Mutex
	cron   cronRunner
	cancel context.CancelFunc
}

// New builds a Job that recomputes storageUsed for every user on the given
// cron spec (standard 5-field syntax, e.g. "0 3 * * *"). locker may be nil.
func New(st store.Storer, locker Locker, spec string) *Job {
	return &Job{store: st, locker: locker, spec: spec}
}

// Start begins the schedule in the background. If locker is set, it starts a
// lock-acquire loop (mirroring the teacher's workflow scheduler) in a
// goroutine and returns immediately; the cron runner starts once that loop
// holds the cluster lock. Otherwise it starts the cron runner before
// returning.
func (j *Job) Start(ctx context.Context) error {
	if j.locker != nil {
		go j.runLockLoop(ctx)
		return nil
	}
	return j.startLocked(ctx)
}

func (j *Job) runLockLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		slog.Info("maintenance: attempting to acquire scheduler lock")
		if err := j.locker.LockScheduler(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("maintenance: failed to acquire scheduler lock, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		slog.Info("maintenance: acquired scheduler lock, starting recompute job")
		if err := j.startLocked(ctx); err != nil {
			slog.Error("maintenance: failed to start recompute job", "error", err)
		}

		<-ctx.Done()

		slog.Info("maintenance: releasing scheduler lock")
		j.Stop()
		if err := j.locker.UnlockScheduler(); err != nil {
			slog.Error("maintenance: release scheduler lock", "error", err)
		}
		return
	}
}

func (j *Job) startLocked(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "storage-used-recompute",
		Specs: []string{j.spec},
		Func:  j.runOnce,
	})
	if err != nil {
		return fmt.Errorf("maintenance: create cron runner: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.cron = cronJob

	if err := cronJob.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("maintenance: start cron runner: %w", err)
	}
	return nil
}

// Stop stops the scheduler. Safe to call multiple times.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	if j.cron != nil {
		j.cron.Stop()
		j.cron = nil
	}
}

func (j *Job) runOnce(ctx context.Context) error {
	start := time.Now()
	users, recomputed, failed := j.run(ctx)
	slog.Info("maintenance: storageUsed recompute complete",
		"users", users, "recomputed", recomputed, "failed", failed, "elapsed", time.Since(start))
	return nil // a failed run should not stop the schedule
}

func (j *Job) run(ctx context.Context) (users, recomputed, failed int) {
	ids, err := j.store.ListUserIDs(ctx)
	if err != nil {
		slog.Error("maintenance: list user ids", "error", err)
		return 0, 0, 0
	}
	users = len(ids)

	for _, userID := range ids {
		if err := j.recomputeUser(ctx, userID); err != nil {
			slog.Error("maintenance: recompute storage used", "user", userID, "error", err)
			failed++
			continue
		}
		recomputed++
	}
	return users, recomputed, failed
}

func (j *Job) recomputeUser(ctx context.Context, userID string) error {
	dbDocuments, attachedFiles, err := j.countUsage(ctx, userID)
	if err != nil {
		return err
	}
	_, err = j.store.RecomputeStorageUsed(ctx, userID, dbDocuments, attachedFiles)
	return err
}

func (j *Job) countUsage(ctx context.Context, userID string) (dbDocuments, attachedFiles int64, err error) {
	streams, err := j.store.ListStreams(ctx, userID, store.StateAll)
	if err != nil {
		return 0, 0, err
	}
	dbDocuments += int64(len(streams))

	events, err := j.store.Query(ctx, userID, store.EventQuery{State: store.StateAll})
	if err != nil {
		return 0, 0, err
	}
	dbDocuments += int64(len(events))
	attachedFiles += sumAttachmentSizes(events)

	accesses, err := j.store.ListAccesses(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	dbDocuments += int64(len(accesses))

	followed, err := j.store.ListFollowedSlices(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	dbDocuments += int64(len(followed))

	return dbDocuments, attachedFiles, nil
}

func sumAttachmentSizes(events []*model.Event) int64 {
	var total int64
	for _, e := range events {
		for _, a := range e.Attachments {
			total += a.Size
		}
	}
	return total
}
