package pollworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipRadar/internal/broker/messages"
	"github.com/BearBump/ShipRadar/internal/cache"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/BearBump/ShipRadar/internal/queue"
	"github.com/BearBump/ShipRadar/internal/services/delay"
	"github.com/BearBump/ShipRadar/internal/services/scheduler"
	"github.com/BearBump/ShipRadar/internal/storage/pgshipment"
)

type Repository interface {
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	GetMerchant(ctx context.Context, id uint64) (*models.Merchant, error)
	ApplyPollSuccess(ctx context.Context, upd pgshipment.PollUpdate) error
	ApplyPollFailure(ctx context.Context, shipmentID uint64, nextPollAt time.Time) error
	RequestRefresh(ctx context.Context, shipmentID uint64) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Worker struct {
	repo     Repository
	clients  map[models.Carrier]carrier.Client
	producer Producer
	rl       RateLimiter
	q        queue.Queue
	mcache   cache.BytesCache

	queueName    string
	updatesTopic string
	delayedTopic string

	concurrency        int
	trackTimeout       time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[models.Carrier]int64
	merchantCacheTTL   time.Duration

	totalProcessed    atomic.Int64
	totalPollErrors   atomic.Int64
	totalSkipped      atomic.Int64
	totalDelivered    atomic.Int64
	totalDelayFlags   atomic.Int64
	inFlight          atomic.Int64
	startedAtUnixNano int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(repo Repository, clients map[models.Carrier]carrier.Client, producer Producer, rl RateLimiter, q queue.Queue, queueName string) *Worker {
	return &Worker{
		repo:     repo,
		clients:  clients,
		producer: producer,
		rl:       rl,
		q:        q,

		queueName:    queueName,
		updatesTopic: "shipment.updated",
		delayedTopic: "shipment.delayed",

		concurrency:        10,
		trackTimeout:       30 * time.Second,
		rateLimitPerMinute: 120,
		merchantCacheTTL:   5 * time.Minute,

		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(concurrency int, trackTimeout time.Duration, rlPerMin int64) *Worker {
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if trackTimeout > 0 {
		w.trackTimeout = trackTimeout
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

func (w *Worker) WithCarrierRateLimits(limits map[models.Carrier]int64) *Worker {
	w.carrierRateLimits = limits
	return w
}

// WithMerchantCache включает кэширование настроек мерчанта: они нужны на
// каждый опрос, а меняются редко.
func (w *Worker) WithMerchantCache(c cache.BytesCache, ttl time.Duration) *Worker {
	w.mcache = c
	if ttl > 0 {
		w.merchantCacheTTL = ttl
	}
	return w
}

func (w *Worker) WithTopics(updates, delayed string) *Worker {
	if updates != "" {
		w.updatesTopic = updates
	}
	if delayed != "" {
		w.delayedTopic = delayed
	}
	return w
}

type Stats struct {
	StartedAt       time.Time `json:"startedAt"`
	TotalProcessed  int64     `json:"totalProcessed"`
	TotalPollErrors int64     `json:"totalPollErrors"`
	TotalSkipped    int64     `json:"totalSkipped"`
	TotalDelivered  int64     `json:"totalDelivered"`
	TotalDelayFlags int64     `json:"totalDelayFlags"`
	InFlight        int64     `json:"inFlight"`
	LastError       string    `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalProcessed:  w.totalProcessed.Load(),
		TotalPollErrors: w.totalPollErrors.Load(),
		TotalSkipped:    w.totalSkipped.Load(),
		TotalDelivered:  w.totalDelivered.Load(),
		TotalDelayFlags: w.totalDelayFlags.Load(),
		InFlight:        w.inFlight.Load(),
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

// Run блокируется до отмены контекста, разбирая очередь джоб опроса.
func (w *Worker) Run(ctx context.Context) error {
	return w.q.Consume(ctx, w.queueName, w.concurrency, w.Handle)
}

// Handle обрабатывает одну джобу опроса. Ошибки перевозчика не
// возвращаются очереди — они учитываются в pollErrorCount и расписании;
// наружу уходят только ошибки хранилища, чтобы очередь перезапустила джобу.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	var job scheduler.PollJob
	if err := json.Unmarshal(payload, &job); err != nil {
		// Кривой payload ретраить бессмысленно.
		slog.Error("bad poll job payload", "error", err.Error())
		return nil
	}

	sh, err := w.repo.GetShipment(ctx, job.ShipmentID)
	if err != nil {
		return errors.Wrap(err, "load shipment")
	}
	if sh == nil || sh.Terminal() {
		w.totalSkipped.Add(1)
		return nil
	}

	// Для UNKNOWN адаптера нет: выходим, не трогая nextPollAt.
	client, ok := w.clients[sh.Carrier]
	if !ok || sh.Carrier == models.CarrierUnknown {
		w.totalSkipped.Add(1)
		return nil
	}

	m, err := w.loadMerchant(ctx, sh.MerchantID)
	if err != nil {
		return errors.Wrap(err, "load merchant")
	}

	now := time.Now().UTC()
	w.throttle(ctx, sh.Carrier, now)

	trackCtx, cancel := context.WithTimeout(ctx, w.trackTimeout)
	res, trackErr := client.Track(trackCtx, sh.TrackingNumber)
	cancel()

	if trackErr != nil {
		w.totalPollErrors.Add(1)
		w.setLastError(trackErr)
		slog.Warn("carrier poll failed",
			"shipment_id", sh.ID, "carrier", sh.Carrier, "error", trackErr.Error())

		next := NextPollAtAfterFailure(sh, m, now)
		if err := w.repo.ApplyPollFailure(ctx, sh.ID, next); err != nil {
			return errors.Wrap(err, "apply poll failure")
		}
		return nil
	}

	verdict := delay.Evaluate(sh, &res, merchantSettings(m), now)
	delayFlagged := !sh.IsDelayed && verdict.IsDelayed

	upd := buildUpdate(sh, m, &res, verdict, delayFlagged, now)
	if err := w.repo.ApplyPollSuccess(ctx, upd); err != nil {
		return errors.Wrap(err, "apply poll success")
	}

	w.totalProcessed.Add(1)
	if res.IsDelivered {
		w.totalDelivered.Add(1)
	}
	if delayFlagged {
		w.totalDelayFlags.Add(1)
	}

	w.publish(ctx, sh, &res, verdict, delayFlagged, now)
	return nil
}

// HandleRefresh — консьюмер запросов "обновить сейчас" из дашборда:
// трек сразу становится due, и в очередь уходит срочная джоба.
func (w *Worker) HandleRefresh(ctx context.Context, key, value []byte) error {
	var msg messages.RefreshRequested
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("bad refresh request payload", "error", err.Error())
		return nil
	}

	if err := w.repo.RequestRefresh(ctx, msg.ShipmentID); err != nil {
		return errors.Wrap(err, "request refresh")
	}

	payload, err := json.Marshal(scheduler.PollJob{ShipmentID: msg.ShipmentID})
	if err != nil {
		return errors.Wrap(err, "marshal poll job")
	}
	if _, err := w.q.Enqueue(ctx, w.queueName, payload, queue.Options{
		JobID:    scheduler.PollJobID(msg.ShipmentID),
		Priority: queue.PriorityUrgent,
	}); err != nil {
		return errors.Wrap(err, "enqueue urgent poll")
	}
	return nil
}

func (w *Worker) loadMerchant(ctx context.Context, id uint64) (*models.Merchant, error) {
	if w.mcache == nil {
		return w.repo.GetMerchant(ctx, id)
	}

	key := fmt.Sprintf("merchant:%d", id)
	if b, ok, err := w.mcache.Get(ctx, key); err == nil && ok {
		var m models.Merchant
		if json.Unmarshal(b, &m) == nil {
			return &m, nil
		}
	}

	m, err := w.repo.GetMerchant(ctx, id)
	if err != nil {
		return nil, err
	}
	if m != nil {
		if b, err := json.Marshal(m); err == nil {
			if err := w.mcache.Set(ctx, key, b, w.merchantCacheTTL); err != nil {
				slog.Warn("cache merchant", "merchant_id", id, "error", err.Error())
			}
		}
	}
	return m, nil
}

func (w *Worker) throttle(ctx context.Context, c models.Carrier, now time.Time) {
	if w.rl == nil || w.rateLimitPerMinute <= 0 {
		return
	}
	limit := w.rateLimitPerMinute
	if l, ok := w.carrierRateLimits[c]; ok && l > 0 {
		limit = l
	}

	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", c, now.Format("200601021504"))
	allowed, n, err := w.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		// Лимитер недоступен — опрашиваем без него.
		slog.Warn("rate limiter unavailable", "error", err.Error())
		return
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить API.
		slog.Warn("rate limit exceeded", "carrier", c, "count", n)
		time.Sleep(500 * time.Millisecond)
	}
}

func (w *Worker) publish(ctx context.Context, sh *models.Shipment, res *carrier.TrackingResult, verdict delay.Result, delayFlagged bool, now time.Time) {
	msg := messages.ShipmentUpdated{
		ShipmentID: sh.ID,
		MerchantID: sh.MerchantID,
		CheckedAt:  now,

		IsDelivered: res.IsDelivered,
		DeliveredAt: res.DeliveredAt,

		IsDelayed:    verdict.IsDelayed,
		DelayReason:  verdict.Reason,
		DaysDelayed:  verdict.DaysDelayed,
		DelayFlagged: delayFlagged,

		ExpectedDeliveryDate:   verdict.ExpectedDeliveryDate,
		ExpectedDeliverySource: verdict.ExpectedDeliverySource,

		CarrierStatusText: res.CarrierStatusText,
	}

	b, err := json.Marshal(msg)
	if err != nil {
		w.setLastError(err)
		return
	}
	key := []byte(fmt.Sprintf("%d", sh.ID))

	if err := w.producer.Publish(ctx, w.updatesTopic, key, b); err != nil {
		// Потеря нотификации не должна ронять джобу: состояние уже в базе.
		w.setLastError(err)
		slog.Error("publish shipment update", "shipment_id", sh.ID, "error", err.Error())
	}
	if delayFlagged {
		if err := w.producer.Publish(ctx, w.delayedTopic, key, b); err != nil {
			w.setLastError(err)
			slog.Error("publish delay flag", "shipment_id", sh.ID, "error", err.Error())
		}
	}
}

func buildUpdate(sh *models.Shipment, m *models.Merchant, res *carrier.TrackingResult, verdict delay.Result, delayFlagged bool, now time.Time) pgshipment.PollUpdate {
	upd := pgshipment.PollUpdate{
		ShipmentID: sh.ID,
		CheckedAt:  now,

		HasCarrierScan: len(res.Events) > 0 || res.LastScanTime != nil,

		ExpectedDeliveryDate:    verdict.ExpectedDeliveryDate,
		ExpectedDeliverySource:  verdict.ExpectedDeliverySource,
		RescheduledDeliveryDate: sh.RescheduledDeliveryDate,

		IsDelivered: res.IsDelivered,
		DeliveredAt: res.DeliveredAt,

		IsDelayed:   verdict.IsDelayed,
		DaysDelayed: verdict.DaysDelayed,

		ExceptionCode:   res.ExceptionCode,
		ExceptionReason: res.ExceptionReason,

		LastScanLocation: res.LastScanLocation,
		LastScanTime:     res.LastScanTime,

		Events: res.Events,
	}
	if res.RescheduledDeliveryDate != nil {
		upd.RescheduledDeliveryDate = res.RescheduledDeliveryDate
	}
	if delayFlagged {
		flagged := now
		upd.DelayFlaggedAt = &flagged
	}

	// Следующий опрос считаем от состояния после применения результата.
	after := *sh
	after.IsDelivered = res.IsDelivered
	after.ExpectedDeliveryDate = verdict.ExpectedDeliveryDate
	after.RescheduledDeliveryDate = upd.RescheduledDeliveryDate
	upd.NextPollAt = NextPollAt(&after, m, now)

	return upd
}

func merchantSettings(m *models.Merchant) models.MerchantSettings {
	if m == nil {
		return models.MerchantSettings{}
	}
	return m.Settings
}

func (w *Worker) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}
