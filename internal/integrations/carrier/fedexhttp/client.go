package fedexhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/tokencache"
	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/pkg/errors"
)

const statusCodeDelivered = "DL"

// FedEx не даёт отдельного кода "exception": смотрим на статус-текст локали.
var exceptionKeywords = []string{"delay", "exception", "unable to deliver", "returning", "damaged"}

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	tokens       *tokencache.Cache
	httpc        *http.Client
}

func New(baseURL, clientID, clientSecret string, tokens *tokencache.Cache) *Client {
	if baseURL == "" {
		baseURL = "https://apis.fedex.com"
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokens:       tokens,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type tokenResp struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type trackReq struct {
	IncludeDetailedScans bool `json:"includeDetailedScans"`
	TrackingInfo         []struct {
		TrackingNumberInfo struct {
			TrackingNumber string `json:"trackingNumber"`
		} `json:"trackingNumberInfo"`
	} `json:"trackingInfo"`
}

type trackResp struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackResults []struct {
				LatestStatusDetail struct {
					Code           string `json:"code"`
					StatusByLocale string `json:"statusByLocale"`
					Description    string `json:"description"`
					AncillaryDetails []struct {
						Reason            string `json:"reason"`
						ReasonDescription string `json:"reasonDescription"`
					} `json:"ancillaryDetails"`
				} `json:"latestStatusDetail"`
				DateAndTimes []struct {
					Type     string `json:"type"` // ESTIMATED_DELIVERY | ACTUAL_DELIVERY
					DateTime string `json:"dateTime"`
				} `json:"dateAndTimes"`
				ScanEvents []struct {
					Date                 string `json:"date"`
					EventDescription     string `json:"eventDescription"`
					ExceptionCode        string `json:"exceptionCode"`
					ExceptionDescription string `json:"exceptionDescription"`
					ScanLocation         struct {
						City                string `json:"city"`
						StateOrProvinceCode string `json:"stateOrProvinceCode"`
						CountryCode         string `json:"countryCode"`
					} `json:"scanLocation"`
				} `json:"scanEvents"`
			} `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (c *Client) authenticate(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, errors.Wrap(err, "new token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "do token request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", 0, fmt.Errorf("fedex oauth http %d", resp.StatusCode)
	}

	var tr tokenResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, errors.Wrap(err, "decode token")
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("fedex oauth: empty access_token")
	}

	sec, err := tr.ExpiresIn.Int64()
	if err != nil || sec <= 0 {
		sec = 3600
	}
	return tr.AccessToken, time.Duration(sec) * time.Second, nil
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	token, err := c.tokens.Get(ctx, models.CarrierFedEx, c.authenticate)
	if err != nil {
		return carrier.Empty(), err
	}

	var body trackReq
	body.IncludeDetailedScans = true
	body.TrackingInfo = make([]struct {
		TrackingNumberInfo struct {
			TrackingNumber string `json:"trackingNumber"`
		} `json:"trackingNumberInfo"`
	}, 1)
	body.TrackingInfo[0].TrackingNumberInfo.TrackingNumber = trackingNumber

	buf, err := json.Marshal(body)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "marshal track request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(buf))
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "new track request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "do track request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.Empty(), fmt.Errorf("fedex track http %d", resp.StatusCode)
	}

	var tr trackResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return carrier.Empty(), errors.Wrap(err, "decode track response")
	}

	return c.parse(tr), nil
}

func (c *Client) parse(tr trackResp) carrier.TrackingResult {
	if len(tr.Output.CompleteTrackResults) == 0 ||
		len(tr.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return carrier.Empty()
	}
	res := tr.Output.CompleteTrackResults[0].TrackResults[0]

	out := carrier.TrackingResult{
		CarrierStatusText: res.LatestStatusDetail.StatusByLocale,
	}

	if res.LatestStatusDetail.Code == statusCodeDelivered {
		out.IsDelivered = true
	} else if isExceptionStatus(res.LatestStatusDetail.StatusByLocale) {
		out.IsException = true
		out.ExceptionCode = strPtr(res.LatestStatusDetail.Code)
		reason := res.LatestStatusDetail.Description
		if reason == "" {
			reason = res.LatestStatusDetail.StatusByLocale
		}
		if len(res.LatestStatusDetail.AncillaryDetails) > 0 &&
			res.LatestStatusDetail.AncillaryDetails[0].ReasonDescription != "" {
			reason = res.LatestStatusDetail.AncillaryDetails[0].ReasonDescription
		}
		out.ExceptionReason = strPtr(reason)
	}

	for _, dt := range res.DateAndTimes {
		t, err := parseFedExTime(dt.DateTime)
		if err != nil {
			continue
		}
		switch dt.Type {
		case "ESTIMATED_DELIVERY":
			out.ExpectedDeliveryDate = &t
		case "RESCHEDULED_DELIVERY":
			out.RescheduledDeliveryDate = &t
		case "ACTUAL_DELIVERY":
			out.DeliveredAt = &t
		}
	}

	for _, se := range res.ScanEvents {
		// Нечитаемая дата оставляет нулевое время: оно входит в натуральный
		// ключ дедупликации, фоллбек обязан быть детерминированным.
		evTime, _ := parseFedExTime(se.Date)

		evType := models.EventTypeScan
		if se.ExceptionCode != "" {
			evType = models.EventTypeException
		}

		desc := se.EventDescription
		if se.ExceptionDescription != "" {
			desc = se.ExceptionDescription
		}

		out.Events = append(out.Events, &models.TrackingEvent{
			EventType:   evType,
			EventTime:   evTime,
			Description: desc,
			City:        strPtr(se.ScanLocation.City),
			State:       strPtr(se.ScanLocation.StateOrProvinceCode),
			Country:     strPtr(se.ScanLocation.CountryCode),
		})
	}

	// scanEvents идут от свежих к старым.
	if len(res.ScanEvents) > 0 {
		first := res.ScanEvents[0]
		if t, err := parseFedExTime(first.Date); err == nil {
			out.LastScanTime = &t
		}
		out.LastScanLocation = formatLocation(
			first.ScanLocation.City, first.ScanLocation.StateOrProvinceCode, first.ScanLocation.CountryCode)
	}

	if out.IsDelivered && out.DeliveredAt == nil && out.LastScanTime != nil {
		out.DeliveredAt = out.LastScanTime
	}

	return out
}

func (c *Client) TrackingURL(trackingNumber string) string {
	return "https://www.fedex.com/fedextrack/?trknbr=" + url.QueryEscape(trackingNumber)
}

func isExceptionStatus(statusByLocale string) bool {
	low := strings.ToLower(statusByLocale)
	for _, kw := range exceptionKeywords {
		if strings.Contains(low, kw) {
			return true
		}
	}
	return false
}

// FedEx шлёт время с офсетом, иногда — голую дату.
func parseFedExTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable fedex time %q", s)
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
