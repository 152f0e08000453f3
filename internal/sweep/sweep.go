// Package sweep completes announcement fan-outs that were left partial.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	jww "github.com/spf13/jwalterweatherman"

	"parley/api/internal/metrics"
	"parley/api/internal/store"
)

const batchSize = 200

type PendingLister interface {
	ListPendingFanouts(ctx context.Context, createdBefore time.Time, after store.PendingCursor, limit int) ([]store.Announcement, error)
}

type Healer interface {
	HealFanout(ctx context.Context, announcement store.Announcement) (int, error)
}

type Sweeper struct {
	lister PendingLister
	healer Healer
	cron   string
	grace  time.Duration
	batch  int
	now    func() time.Time

	running sync.Mutex
}

func New(lister PendingLister, healer Healer, cronExpr string, grace time.Duration) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	if grace < 0 {
		grace = 0
	}
	return &Sweeper{
		lister: lister,
		healer: healer,
		cron:   cronExpr,
		grace:  grace,
		batch:  batchSize,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

type Result struct {
	Announcements int
	Healed        int
	Failed        int
}

// RunOnce heals every pending announcement older than the grace period,
// paging past announcements that fail so they cannot starve newer ones. A run
// that starts while another is in progress returns immediately with skipped=true.
func (s *Sweeper) RunOnce(ctx context.Context) (result Result, skipped bool, err error) {
	if !s.running.TryLock() {
		return Result{}, true, nil
	}
	defer s.running.Unlock()

	cutoff := s.now().Add(-s.grace)
	var cursor store.PendingCursor
	var firstErr error
	for {
		pending, err := s.lister.ListPendingFanouts(ctx, cutoff, cursor, s.batch)
		if err != nil {
			metrics.SweepRun(result.Healed, err)
			return result, false, fmt.Errorf("list pending fanouts: %w", err)
		}
		for _, announcement := range pending {
			if ctx.Err() != nil {
				firstErr = ctx.Err()
				break
			}
			result.Announcements++
			healed, err := s.healer.HealFanout(ctx, announcement)
			result.Healed += healed
			if err != nil {
				result.Failed++
				jww.WARN.Printf("sweep: heal announcement %s: %v", announcement.ID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
			cursor = store.PendingCursor{CreatedAt: announcement.CreatedAt, ID: announcement.ID}
		}
		if len(pending) < s.batch || ctx.Err() != nil {
			break
		}
	}
	metrics.SweepRun(result.Healed, firstErr)
	return result, false, firstErr
}

// Start runs the scheduler until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.scheduleLoop(ctx)
}

func (s *Sweeper) scheduleLoop(ctx context.Context) {
	jww.INFO.Printf("sweep: scheduler started cron=%q grace=%s", s.cron, s.grace)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			jww.ERROR.Printf("sweep: next tick for %q: %v", s.cron, err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			jww.INFO.Printf("sweep: scheduler stopping")
			return
		case <-timer.C:
		}

		go s.runAndLog(ctx)
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	started := time.Now()
	result, skipped, err := s.RunOnce(ctx)
	if skipped {
		jww.DEBUG.Printf("sweep: previous run still in progress, skipping")
		return
	}
	if err != nil {
		jww.ERROR.Printf("sweep: run failed after %s: %v", time.Since(started), err)
		return
	}
	if result.Announcements > 0 {
		jww.INFO.Printf("sweep: healed %s inbox entries across %s announcements in %s",
			humanize.Comma(int64(result.Healed)), humanize.Comma(int64(result.Announcements)), time.Since(started))
	}
}
