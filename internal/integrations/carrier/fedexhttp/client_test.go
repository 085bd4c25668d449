package fedexhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/tokencache"
	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/stretchr/testify/require"
)

const tokenJSON = `{"access_token":"fdx-token","token_type":"bearer","expires_in":3599}`

func newTestServer(t *testing.T, trackBody string, authCalls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			atomic.AddInt32(authCalls, 1)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "client_credentials", r.FormValue("grant_type"))
			require.Equal(t, "fdx-id", r.FormValue("client_id"))
			require.Equal(t, "fdx-secret", r.FormValue("client_secret"))
			_, _ = w.Write([]byte(tokenJSON))
		case "/track/v1/trackingnumbers":
			require.Equal(t, "Bearer fdx-token", r.Header.Get("Authorization"))
			b, _ := io.ReadAll(r.Body)
			var req map[string]any
			require.NoError(t, json.Unmarshal(b, &req))
			require.NotEmpty(t, req["trackingInfo"])
			_, _ = w.Write([]byte(trackBody))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestTrack_InTransit(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackResults":[{
		"latestStatusDetail":{"code":"IT","statusByLocale":"In transit","description":"In transit"},
		"dateAndTimes":[{"type":"ESTIMATED_DELIVERY","dateTime":"2026-02-08T00:00:00-06:00"}],
		"scanEvents":[
			{"date":"2026-02-04T08:12:00-06:00","eventDescription":"Departed FedEx location",
			 "scanLocation":{"city":"MEMPHIS","stateOrProvinceCode":"TN","countryCode":"US"}},
			{"date":"2026-02-03T21:40:00-06:00","eventDescription":"Picked up",
			 "scanLocation":{"city":"AUSTIN","stateOrProvinceCode":"TX","countryCode":"US"}}
		]}]}]}}`

	var authCalls int32
	srv := newTestServer(t, body, &authCalls)
	defer srv.Close()

	c := New(srv.URL, "fdx-id", "fdx-secret", tokencache.New())
	res, err := c.Track(context.Background(), "449044304137821")
	require.NoError(t, err)

	require.False(t, res.IsDelivered)
	require.False(t, res.IsException)
	require.Equal(t, "In transit", res.CarrierStatusText)

	require.NotNil(t, res.ExpectedDeliveryDate)
	require.Equal(t, time.Date(2026, 2, 8, 6, 0, 0, 0, time.UTC), *res.ExpectedDeliveryDate)

	require.Len(t, res.Events, 2)
	require.Equal(t, models.EventTypeScan, res.Events[0].EventType)
	require.NotNil(t, res.LastScanLocation)
	require.Equal(t, "MEMPHIS, TN, US", *res.LastScanLocation)
}

func TestTrack_DelayStatusIsException(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackResults":[{
		"latestStatusDetail":{"code":"DE","statusByLocale":"Delivery exception",
			"description":"Delivery exception",
			"ancillaryDetails":[{"reason":"08","reasonDescription":"Customer not available"}]},
		"dateAndTimes":[],
		"scanEvents":[{"date":"2026-02-05T10:00:00-06:00","eventDescription":"Delivery exception",
			"exceptionCode":"08","exceptionDescription":"Customer not available",
			"scanLocation":{"city":"DALLAS","stateOrProvinceCode":"TX","countryCode":"US"}}]}]}]}}`

	var authCalls int32
	srv := newTestServer(t, body, &authCalls)
	defer srv.Close()

	c := New(srv.URL, "fdx-id", "fdx-secret", tokencache.New())
	res, err := c.Track(context.Background(), "449")
	require.NoError(t, err)

	require.True(t, res.IsException)
	require.NotNil(t, res.ExceptionReason)
	require.Equal(t, "Customer not available", *res.ExceptionReason)
	require.Len(t, res.Events, 1)
	require.Equal(t, models.EventTypeException, res.Events[0].EventType)
}

func TestTrack_Delivered(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackResults":[{
		"latestStatusDetail":{"code":"DL","statusByLocale":"Delivered"},
		"dateAndTimes":[{"type":"ACTUAL_DELIVERY","dateTime":"2026-02-06T14:22:00-06:00"}],
		"scanEvents":[]}]}]}}`

	var authCalls int32
	srv := newTestServer(t, body, &authCalls)
	defer srv.Close()

	c := New(srv.URL, "fdx-id", "fdx-secret", tokencache.New())
	res, err := c.Track(context.Background(), "449")
	require.NoError(t, err)

	require.True(t, res.IsDelivered)
	require.False(t, res.IsException)
	require.NotNil(t, res.DeliveredAt)
	require.Equal(t, time.Date(2026, 2, 6, 20, 22, 0, 0, time.UTC), *res.DeliveredAt)
}

func TestTrack_EmptyResponseDegrades(t *testing.T) {
	var authCalls int32
	srv := newTestServer(t, `{"output":{"completeTrackResults":[]}}`, &authCalls)
	defer srv.Close()

	c := New(srv.URL, "fdx-id", "fdx-secret", tokencache.New())
	res, err := c.Track(context.Background(), "449")
	require.NoError(t, err)
	require.Equal(t, carrier.Empty(), res)
}

func TestTrack_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad", "creds", tokencache.New())
	_, err := c.Track(context.Background(), "449")
	require.Error(t, err)
}

func TestIsExceptionStatus(t *testing.T) {
	require.True(t, isExceptionStatus("Delivery exception"))
	require.True(t, isExceptionStatus("Shipment delayed"))
	require.True(t, isExceptionStatus("Returning to shipper"))
	require.False(t, isExceptionStatus("In transit"))
	require.False(t, isExceptionStatus("Out for delivery"))
}

func TestTrack_DatelessScanEventTimeIsDeterministic(t *testing.T) {
	body := `{"output":{"completeTrackResults":[{"trackResults":[{
		"latestStatusDetail":{"code":"IT","statusByLocale":"In transit","description":"In transit"},
		"scanEvents":[
			{"date":"","eventDescription":"Arrived at FedEx location",
			 "scanLocation":{"city":"MEMPHIS","stateOrProvinceCode":"TN","countryCode":"US"}}
		]}]}]}}`

	var authCalls int32
	srv := newTestServer(t, body, &authCalls)
	defer srv.Close()

	c := New(srv.URL, "fdx-id", "fdx-secret", tokencache.New())

	first, err := c.Track(context.Background(), "449044304137821")
	require.NoError(t, err)
	second, err := c.Track(context.Background(), "449044304137821")
	require.NoError(t, err)

	// Время события идёт в натуральный ключ дедупликации: два опроса одного
	// и того же ответа обязаны дать одно и то же время.
	require.Len(t, first.Events, 1)
	require.True(t, first.Events[0].EventTime.IsZero())
	require.Equal(t, first.Events[0].EventTime, second.Events[0].EventTime)
	require.Nil(t, first.LastScanTime)
}
