package pollworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/BearBump/ShipRadar/internal/queue"
	"github.com/BearBump/ShipRadar/internal/storage/pgshipment"
)

type fakeRepo struct {
	shipment *models.Shipment
	merchant *models.Merchant

	applyErr error

	success       []pgshipment.PollUpdate
	failures      []time.Time
	refreshed     []uint64
	merchantCalls int
}

func (r *fakeRepo) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	return r.shipment, nil
}

func (r *fakeRepo) GetMerchant(ctx context.Context, id uint64) (*models.Merchant, error) {
	r.merchantCalls++
	return r.merchant, nil
}

func (r *fakeRepo) ApplyPollSuccess(ctx context.Context, upd pgshipment.PollUpdate) error {
	if r.applyErr != nil {
		return r.applyErr
	}
	r.success = append(r.success, upd)
	return nil
}

func (r *fakeRepo) ApplyPollFailure(ctx context.Context, shipmentID uint64, nextPollAt time.Time) error {
	r.failures = append(r.failures, nextPollAt)
	return nil
}

func (r *fakeRepo) RequestRefresh(ctx context.Context, shipmentID uint64) error {
	r.refreshed = append(r.refreshed, shipmentID)
	return nil
}

type fakeClient struct {
	res carrier.TrackingResult
	err error

	calls int
}

func (c *fakeClient) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	c.calls++
	return c.res, c.err
}

func (c *fakeClient) TrackingURL(trackingNumber string) string { return "" }

type published struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []published
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.msgs = append(p.msgs, published{topic: topic, key: string(key), value: value})
	return nil
}

type fakeQueue struct {
	enqueued []queue.Options
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (bool, error) {
	q.enqueued = append(q.enqueued, opts)
	return true, nil
}

func (q *fakeQueue) Consume(ctx context.Context, queueName string, concurrency int, h queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) Close() error { return nil }

func activeShipment() *models.Shipment {
	next := time.Now().UTC().Add(-time.Minute)
	return &models.Shipment{
		ID:             7,
		MerchantID:     3,
		Carrier:        models.CarrierUPS,
		TrackingNumber: "1Z999",
		ServiceLevel:   "UPS Ground",
		ShipDate:       time.Now().UTC().Add(-24 * time.Hour),
		NextPollAt:     &next,
	}
}

func newTestWorker(repo *fakeRepo, client carrier.Client, prod *fakeProducer, q *fakeQueue) *Worker {
	clients := map[models.Carrier]carrier.Client{models.CarrierUPS: client}
	return New(repo, clients, prod, nil, q, "poll-jobs")
}

func pollPayload(t *testing.T, shipmentID uint64) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]uint64{"shipment_id": shipmentID})
	require.NoError(t, err)
	return b
}

func TestHandle_SuccessPersistsAndPublishes(t *testing.T) {
	repo := &fakeRepo{shipment: activeShipment(), merchant: &models.Merchant{ID: 3}}
	scanTime := time.Now().UTC().Add(-time.Hour)
	loc := "Louisville, KY US"
	client := &fakeClient{res: carrier.TrackingResult{
		LastScanLocation:  &loc,
		LastScanTime:      &scanTime,
		CarrierStatusText: "In Transit",
		Events: []*models.TrackingEvent{
			{EventType: models.EventTypeScan, EventTime: scanTime, Description: "Departed facility"},
		},
	}}
	prod := &fakeProducer{}
	w := newTestWorker(repo, client, prod, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Len(t, repo.success, 1)

	upd := repo.success[0]
	require.True(t, upd.HasCarrierScan)
	require.NotNil(t, upd.NextPollAt)
	require.Len(t, upd.Events, 1)
	require.Nil(t, upd.DelayFlaggedAt)

	require.Len(t, prod.msgs, 1)
	require.Equal(t, "shipment.updated", prod.msgs[0].topic)
	require.Equal(t, "7", prod.msgs[0].key)
	require.EqualValues(t, 1, w.Stats().TotalProcessed)
}

func TestHandle_DelayTransitionStampsAndPublishes(t *testing.T) {
	sh := activeShipment()
	expected := time.Now().UTC().Add(-72 * time.Hour)
	sh.ExpectedDeliveryDate = &expected
	sh.ExpectedDeliverySource = models.DeliverySourceCarrier

	repo := &fakeRepo{shipment: sh, merchant: &models.Merchant{ID: 3}}
	client := &fakeClient{res: carrier.TrackingResult{}}
	prod := &fakeProducer{}
	w := newTestWorker(repo, client, prod, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Len(t, repo.success, 1)
	require.True(t, repo.success[0].IsDelayed)
	require.NotNil(t, repo.success[0].DelayFlaggedAt)

	// Обновление плюс отдельное событие о переходе в задержку.
	require.Len(t, prod.msgs, 2)
	require.Equal(t, "shipment.updated", prod.msgs[0].topic)
	require.Equal(t, "shipment.delayed", prod.msgs[1].topic)
	require.EqualValues(t, 1, w.Stats().TotalDelayFlags)
}

func TestHandle_AlreadyDelayedDoesNotRestamp(t *testing.T) {
	sh := activeShipment()
	expected := time.Now().UTC().Add(-72 * time.Hour)
	flagged := time.Now().UTC().Add(-48 * time.Hour)
	sh.ExpectedDeliveryDate = &expected
	sh.ExpectedDeliverySource = models.DeliverySourceCarrier
	sh.IsDelayed = true
	sh.DelayFlaggedAt = &flagged

	repo := &fakeRepo{shipment: sh, merchant: &models.Merchant{ID: 3}}
	prod := &fakeProducer{}
	w := newTestWorker(repo, &fakeClient{}, prod, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Len(t, repo.success, 1)
	require.True(t, repo.success[0].IsDelayed)
	require.Nil(t, repo.success[0].DelayFlaggedAt)
	require.Len(t, prod.msgs, 1)
}

func TestHandle_DeliveredStopsPolling(t *testing.T) {
	repo := &fakeRepo{shipment: activeShipment(), merchant: &models.Merchant{ID: 3}}
	deliveredAt := time.Now().UTC().Add(-time.Hour)
	client := &fakeClient{res: carrier.TrackingResult{
		IsDelivered: true,
		DeliveredAt: &deliveredAt,
	}}
	prod := &fakeProducer{}
	w := newTestWorker(repo, client, prod, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Len(t, repo.success, 1)
	require.True(t, repo.success[0].IsDelivered)
	require.Nil(t, repo.success[0].NextPollAt)
	require.EqualValues(t, 1, w.Stats().TotalDelivered)
}

func TestHandle_UnknownCarrierSkipsUntouched(t *testing.T) {
	sh := activeShipment()
	sh.Carrier = models.CarrierUnknown
	repo := &fakeRepo{shipment: sh, merchant: &models.Merchant{ID: 3}}
	client := &fakeClient{}
	w := newTestWorker(repo, client, &fakeProducer{}, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Empty(t, repo.success)
	require.Empty(t, repo.failures)
	require.Zero(t, client.calls)
	require.EqualValues(t, 1, w.Stats().TotalSkipped)
}

func TestHandle_TerminalShipmentSkipped(t *testing.T) {
	sh := activeShipment()
	sh.IsDelivered = true
	repo := &fakeRepo{shipment: sh}
	w := newTestWorker(repo, &fakeClient{}, &fakeProducer{}, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Empty(t, repo.success)
}

func TestHandle_CarrierFailureReschedulesWithoutVerdict(t *testing.T) {
	sh := activeShipment()
	sh.PollErrorCount = 2
	repo := &fakeRepo{shipment: sh, merchant: &models.Merchant{ID: 3}}
	client := &fakeClient{err: errors.New("502 from carrier")}
	prod := &fakeProducer{}
	w := newTestWorker(repo, client, prod, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Empty(t, repo.success)
	require.Len(t, repo.failures, 1)
	require.True(t, repo.failures[0].After(time.Now().UTC()))
	require.Empty(t, prod.msgs)
	require.EqualValues(t, 1, w.Stats().TotalPollErrors)
}

func TestHandle_StorageErrorPropagatesToQueue(t *testing.T) {
	repo := &fakeRepo{
		shipment: activeShipment(),
		merchant: &models.Merchant{ID: 3},
		applyErr: errors.New("pg down"),
	}
	w := newTestWorker(repo, &fakeClient{}, &fakeProducer{}, &fakeQueue{})

	err := w.Handle(context.Background(), pollPayload(t, 7))
	require.Error(t, err)
	require.Contains(t, err.Error(), "apply poll success")
}

func TestHandle_BadPayloadDropped(t *testing.T) {
	repo := &fakeRepo{shipment: activeShipment()}
	w := newTestWorker(repo, &fakeClient{}, &fakeProducer{}, &fakeQueue{})

	require.NoError(t, w.Handle(context.Background(), []byte("{not json")))
	require.Empty(t, repo.success)
}

type memBytesCache struct {
	data map[string][]byte
}

func (c *memBytesCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memBytesCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	return nil
}

func TestHandle_MerchantCacheSkipsRepeatLoads(t *testing.T) {
	repo := &fakeRepo{
		shipment: activeShipment(),
		merchant: &models.Merchant{ID: 3, RandomPollOffsetMinutes: 30},
	}
	w := newTestWorker(repo, &fakeClient{}, &fakeProducer{}, &fakeQueue{}).
		WithMerchantCache(&memBytesCache{}, time.Minute)

	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.NoError(t, w.Handle(context.Background(), pollPayload(t, 7)))
	require.Equal(t, 1, repo.merchantCalls)

	// Сдвиг мерчанта применяется и при попадании в кэш: оба расписания совпадают.
	require.Len(t, repo.success, 2)
	require.NotNil(t, repo.success[1].NextPollAt)
	require.WithinDuration(t, *repo.success[0].NextPollAt, *repo.success[1].NextPollAt, time.Second)
}

func TestHandleRefresh_EnqueuesUrgentPoll(t *testing.T) {
	repo := &fakeRepo{shipment: activeShipment(), merchant: &models.Merchant{ID: 3}}
	q := &fakeQueue{}
	w := newTestWorker(repo, &fakeClient{}, &fakeProducer{}, q)

	body, err := json.Marshal(map[string]any{
		"shipment_id":  7,
		"requested_at": time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, w.HandleRefresh(context.Background(), []byte("7"), body))
	require.Equal(t, []uint64{7}, repo.refreshed)
	require.Len(t, q.enqueued, 1)
	require.Equal(t, "poll-7", q.enqueued[0].JobID)
	require.Equal(t, queue.PriorityUrgent, q.enqueued[0].Priority)
}
