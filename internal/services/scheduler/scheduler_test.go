package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/BearBump/ShipRadar/internal/queue"
)

type fakeRepo struct {
	mu        sync.Mutex
	shipments []*models.Shipment
	calls     int
}

func (r *fakeRepo) DueShipments(ctx context.Context, now time.Time, afterID uint64, limit int) ([]*models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []*models.Shipment
	for _, sh := range r.shipments {
		if sh.ID > afterID {
			out = append(out, sh)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	jobs     []queue.Options
	payloads [][]byte
	seen     map[string]bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	if q.seen[opts.JobID] {
		return false, nil
	}
	q.seen[opts.JobID] = true
	q.jobs = append(q.jobs, opts)
	q.payloads = append(q.payloads, payload)
	return true, nil
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	denied int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		l.denied++
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func shipmentDue(id uint64, expected *time.Time) *models.Shipment {
	next := time.Now().UTC().Add(-time.Minute)
	return &models.Shipment{
		ID:                   id,
		Carrier:              models.CarrierUPS,
		NextPollAt:           &next,
		ExpectedDeliveryDate: expected,
	}
}

func TestScheduler_RunOnce_EnqueuesWithDedup(t *testing.T) {
	due := time.Now().UTC().Add(48 * time.Hour)
	repo := &fakeRepo{shipments: []*models.Shipment{
		shipmentDue(1, &due),
		shipmentDue(2, &due),
	}}
	q := &fakeQueue{}
	s := New(repo, q, &fakeLocker{}, "poll-jobs").WithSettings(time.Minute, 500, 10000)

	s.runOnce(context.Background())
	require.Len(t, q.jobs, 2)
	require.Equal(t, "poll-1", q.jobs[0].JobID)

	st := s.Stats()
	require.EqualValues(t, 2, st.TotalEnqueued)
	require.EqualValues(t, 0, st.TotalDeduped)

	var job PollJob
	require.NoError(t, json.Unmarshal(q.payloads[0], &job))
	require.EqualValues(t, 1, job.ShipmentID)

	// Повторный тик: те же шипменты отсекаются дедупликацией.
	s.runOnce(context.Background())
	require.Len(t, q.jobs, 2)
	require.EqualValues(t, 2, s.Stats().TotalDeduped)
}

func TestScheduler_RunOnce_TruncatesAtCap(t *testing.T) {
	due := time.Now().UTC()
	repo := &fakeRepo{}
	for i := 1; i <= 10; i++ {
		repo.shipments = append(repo.shipments, shipmentDue(uint64(i), &due))
	}
	q := &fakeQueue{}
	s := New(repo, q, nil, "poll-jobs").WithSettings(time.Minute, 3, 7)

	s.runOnce(context.Background())
	require.Len(t, q.jobs, 7)
	st := s.Stats()
	require.EqualValues(t, 1, st.TruncatedRuns)

	// Следующий тик подбирает остаток.
	s.runOnce(context.Background())
	require.Len(t, q.jobs, 10)
}

func TestScheduler_RunOnce_SkipsWhenLockHeld(t *testing.T) {
	due := time.Now().UTC()
	repo := &fakeRepo{shipments: []*models.Shipment{shipmentDue(1, &due)}}
	q := &fakeQueue{}
	l := &fakeLocker{held: map[string]bool{"shipradar:scheduler:tick": true}}
	s := New(repo, q, l, "poll-jobs")

	s.runOnce(context.Background())
	require.Empty(t, q.jobs)
	require.EqualValues(t, 1, s.Stats().SkippedTicks)
}

func TestScheduler_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	s := New(repo, &fakeQueue{}, nil, "poll-jobs").WithSettings(5*time.Millisecond, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx)
	require.Error(t, err)
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.GreaterOrEqual(t, repo.calls, 1)
}

func TestComputePriority(t *testing.T) {
	now := time.Date(2026, 2, 9, 10, 0, 0, 0, time.UTC)
	day := func(d int) *time.Time {
		t := now.AddDate(0, 0, d)
		return &t
	}

	cases := []struct {
		name string
		sh   *models.Shipment
		want queue.Priority
	}{
		{"past due", &models.Shipment{ExpectedDeliveryDate: day(-2)}, queue.PriorityUrgent},
		{"due today", &models.Shipment{ExpectedDeliveryDate: day(0)}, queue.PriorityHigh},
		{"due tomorrow", &models.Shipment{ExpectedDeliveryDate: day(1)}, queue.PriorityHigh},
		{"3 days out", &models.Shipment{ExpectedDeliveryDate: day(3)}, queue.PriorityNormal},
		{"a week out", &models.Shipment{ExpectedDeliveryDate: day(7)}, queue.PriorityLow},
		{"no expected date", &models.Shipment{}, queue.PriorityNormal},
		{"rescheduled wins", &models.Shipment{
			ExpectedDeliveryDate:    day(-3),
			RescheduledDeliveryDate: day(1),
		}, queue.PriorityHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ComputePriority(tc.sh, now))
		})
	}
}
