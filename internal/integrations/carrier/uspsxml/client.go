package uspsxml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/pkg/errors"
)

// Легаси Web Tools API: авторизация user-id в query, XML туда и обратно,
// статусы — свободный текст. Матчинг по подстрокам хрупкий, но это единственное,
// что отдаёт этот API.
const (
	deliveredHint = "Delivered"
	// Ровно такая фраза, с регистром. USPS может поменять текст без предупреждения.
	arrivingLateHint = "Arriving Late"
)

type Client struct {
	baseURL string
	userID  string
	httpc   *http.Client
}

func New(baseURL, userID string) *Client {
	if baseURL == "" {
		baseURL = "https://secure.shippingapis.com"
	}
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type trackFieldRequest struct {
	XMLName  xml.Name `xml:"TrackFieldRequest"`
	UserID   string   `xml:"USERID,attr"`
	Revision string   `xml:"Revision"`
	TrackID  struct {
		ID string `xml:"ID,attr"`
	} `xml:"TrackID"`
}

type trackEvent struct {
	EventTime    string `xml:"EventTime"`
	EventDate    string `xml:"EventDate"`
	Event        string `xml:"Event"`
	EventCity    string `xml:"EventCity"`
	EventState   string `xml:"EventState"`
	EventCountry string `xml:"EventCountry"`
}

type trackResponse struct {
	XMLName   xml.Name `xml:"TrackResponse"`
	TrackInfo struct {
		Summary               trackEvent   `xml:"TrackSummary"`
		Details               []trackEvent `xml:"TrackDetail"`
		ExpectedDeliveryDate  string       `xml:"ExpectedDeliveryDate"`
		PredictedDeliveryDate string       `xml:"PredictedDeliveryDate"`
		Err                   *apiError    `xml:"Error"`
	} `xml:"TrackInfo"`
}

type apiError struct {
	XMLName     xml.Name `xml:"Error"`
	Number      string   `xml:"Number"`
	Description string   `xml:"Description"`
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	var reqXML trackFieldRequest
	reqXML.UserID = c.userID
	reqXML.Revision = "1"
	reqXML.TrackID.ID = trackingNumber

	payload, err := xml.Marshal(reqXML)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "marshal request xml")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "parse base url")
	}
	u.Path = "/ShippingAPI.dll"
	q := u.Query()
	q.Set("API", "TrackV2")
	q.Set("XML", string(payload))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.Empty(), fmt.Errorf("usps track http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "read body")
	}

	// Ошибки на верхнем уровне (<Error> вместо <TrackResponse>).
	var topErr apiError
	if xml.Unmarshal(body, &topErr) == nil && topErr.Description != "" {
		return carrier.Empty(), fmt.Errorf("usps api error %s: %s", topErr.Number, topErr.Description)
	}

	var tr trackResponse
	if err := xml.Unmarshal(body, &tr); err != nil {
		return carrier.Empty(), errors.Wrap(err, "decode track response")
	}
	if tr.TrackInfo.Err != nil {
		// "No record of that item" и подобное: трека ещё нет в системе.
		return carrier.Empty(), nil
	}

	return c.parse(tr), nil
}

func (c *Client) parse(tr trackResponse) carrier.TrackingResult {
	info := tr.TrackInfo
	if info.Summary.Event == "" && len(info.Details) == 0 {
		return carrier.Empty()
	}

	out := carrier.TrackingResult{
		CarrierStatusText: info.Summary.Event,
	}

	if strings.Contains(info.Summary.Event, deliveredHint) {
		out.IsDelivered = true
	}
	if containsArrivingLate(info.Summary.Event) || anyDetailArrivingLate(info.Details) {
		out.IsException = true
		out.ExceptionReason = strPtr(arrivingLateHint)
	}

	if d, ok := parseUSPSDate(info.ExpectedDeliveryDate); ok {
		out.ExpectedDeliveryDate = &d
	} else if d, ok := parseUSPSDate(info.PredictedDeliveryDate); ok {
		out.ExpectedDeliveryDate = &d
	}

	all := make([]trackEvent, 0, 1+len(info.Details))
	if info.Summary.Event != "" {
		all = append(all, info.Summary)
	}
	all = append(all, info.Details...)

	for _, e := range all {
		evTime := parseUSPSEventTime(e.EventDate, e.EventTime)

		evType := models.EventTypeScan
		if strings.Contains(e.Event, deliveredHint) {
			evType = models.EventTypeDelivered
		} else if containsArrivingLate(e.Event) {
			evType = models.EventTypeException
		}

		out.Events = append(out.Events, &models.TrackingEvent{
			EventType:   evType,
			EventTime:   evTime,
			Description: e.Event,
			City:        strPtr(e.EventCity),
			State:       strPtr(e.EventState),
			Country:     strPtr(e.EventCountry),
		})
	}

	// TrackSummary — самое свежее событие.
	if len(all) > 0 {
		if lastTime := parseUSPSEventTime(all[0].EventDate, all[0].EventTime); !lastTime.IsZero() {
			out.LastScanTime = &lastTime
			if out.IsDelivered {
				out.DeliveredAt = &lastTime
			}
		}
		out.LastScanLocation = formatLocation(all[0].EventCity, all[0].EventState, all[0].EventCountry)
	}

	return out
}

func (c *Client) TrackingURL(trackingNumber string) string {
	return "https://tools.usps.com/go/TrackConfirmAction?tLabels=" + url.QueryEscape(trackingNumber)
}

func containsArrivingLate(event string) bool {
	return strings.Contains(event, arrivingLateHint)
}

func anyDetailArrivingLate(details []trackEvent) bool {
	for _, d := range details {
		if containsArrivingLate(d.Event) {
			return true
		}
	}
	return false
}

// USPS пишет даты словами: "February 8, 2026", время — "11:07 am".
func parseUSPSDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("January 2, 2006", s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Без даты или с нечитаемой датой возвращает нулевое время: время события
// входит в натуральный ключ дедупликации, фоллбек обязан быть детерминированным.
func parseUSPSEventTime(date, clock string) time.Time {
	if clock != "" {
		if t, err := time.ParseInLocation("January 2, 2006 3:04 pm", date+" "+clock, time.UTC); err == nil {
			return t
		}
	}
	if t, ok := parseUSPSDate(date); ok {
		return t
	}
	return time.Time{}
}

func formatLocation(city, state, country string) *string {
	parts := make([]string, 0, 3)
	for _, p := range []string{city, state, country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, ", ")
	return &s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
