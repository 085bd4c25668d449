package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/BearBump/ShipRadar/internal/queue"
)

type Repository interface {
	DueShipments(ctx context.Context, now time.Time, afterID uint64, limit int) ([]*models.Shipment, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (bool, error)
}

// Locker защищает тик от наложения при нескольких инстансах шедулера.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// PollJob — payload джобы опроса одного шипмента.
type PollJob struct {
	ShipmentID uint64 `json:"shipment_id"`
}

func PollJobID(shipmentID uint64) string {
	return fmt.Sprintf("poll-%d", shipmentID)
}

type Scheduler struct {
	repo   Repository
	q      Enqueuer
	locker Locker

	queueName string
	lockKey   string

	tickInterval time.Duration
	batchSize    int
	maxPerRun    int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalScanned        atomic.Int64
	totalEnqueued       atomic.Int64
	totalDeduped        atomic.Int64
	truncatedRuns       atomic.Int64
	skippedTicks        atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, q Enqueuer, locker Locker, queueName string) *Scheduler {
	return &Scheduler{
		repo:      repo,
		q:         q,
		locker:    locker,
		queueName: queueName,
		lockKey:   "shipradar:scheduler:tick",

		tickInterval: 15 * time.Minute,
		batchSize:    500,
		maxPerRun:    10000,

		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scheduler) WithSettings(tickInterval time.Duration, batchSize, maxPerRun int) *Scheduler {
	if tickInterval > 0 {
		s.tickInterval = tickInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if maxPerRun > 0 {
		s.maxPerRun = maxPerRun
	}
	return s
}

// Trigger forces an immediate scheduling cycle (best-effort, non-blocking).
func (s *Scheduler) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalScanned  int64      `json:"totalScanned"`
	TotalEnqueued int64      `json:"totalEnqueued"`
	TotalDeduped  int64      `json:"totalDeduped"`
	TruncatedRuns int64      `json:"truncatedRuns"`
	SkippedTicks  int64      `json:"skippedTicks"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalScanned:  s.totalScanned.Load(),
		TotalEnqueued: s.totalEnqueued.Load(),
		TotalDeduped:  s.totalDeduped.Load(),
		TruncatedRuns: s.truncatedRuns.Load(),
		SkippedTicks:  s.skippedTicks.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())

	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, s.lockKey, s.tickInterval)
		if err != nil {
			s.setLastError(err)
			slog.Error("acquire scheduler lock", "error", err.Error())
			return
		}
		if !ok {
			// Тик уже идёт на другом инстансе.
			s.skippedTicks.Add(1)
			return
		}
		defer func() {
			if err := s.locker.Unlock(ctx, s.lockKey); err != nil {
				slog.Warn("release scheduler lock", "error", err.Error())
			}
		}()
	}

	enqueued := 0
	var afterID uint64
	for enqueued < s.maxPerRun {
		limit := s.batchSize
		if rest := s.maxPerRun - enqueued; rest < limit {
			limit = rest
		}

		page, err := s.repo.DueShipments(ctx, now, afterID, limit)
		if err != nil {
			s.setLastError(err)
			slog.Error("select due shipments", "error", err.Error())
			return
		}
		if len(page) == 0 {
			return
		}
		s.totalScanned.Add(int64(len(page)))
		afterID = page[len(page)-1].ID

		for _, sh := range page {
			payload, err := json.Marshal(PollJob{ShipmentID: sh.ID})
			if err != nil {
				s.setLastError(err)
				continue
			}
			ok, err := s.q.Enqueue(ctx, s.queueName, payload, queue.Options{
				JobID:    PollJobID(sh.ID),
				Priority: ComputePriority(sh, now),
			})
			if err != nil {
				s.setLastError(err)
				slog.Error("enqueue poll job", "shipment_id", sh.ID, "error", err.Error())
				continue
			}
			if !ok {
				s.totalDeduped.Add(1)
				continue
			}
			s.totalEnqueued.Add(1)
			enqueued++
		}
	}

	// Упёрлись в cap: остаток подберёт следующий тик.
	s.truncatedRuns.Add(1)
	slog.Warn("scheduling run truncated", "cap", s.maxPerRun)
}

func (s *Scheduler) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
