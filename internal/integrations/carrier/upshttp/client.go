package upshttp

import (
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

// Коды статусов UPS Track API.
const (
	statusTypeDelivered = "D"
	statusTypeException = "X"
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	tokens       *tokencache.Cache
	httpc        *http.Client
}

func New(baseURL, clientID, clientSecret string, tokens *tokencache.Cache) *Client {
	if baseURL == "" {
		baseURL = "https://onlinetools.ups.com"
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

type trackResp struct {
	TrackResponse struct {
		Shipment []struct {
			Package []struct {
				CurrentStatus struct {
					Type        string `json:"type"`
					Description string `json:"description"`
					Code        string `json:"code"`
				} `json:"currentStatus"`
				DeliveryDate []struct {
					Type string `json:"type"` // SDD | RDD | DEL
					Date string `json:"date"` // 20060102
				} `json:"deliveryDate"`
				Activity []struct {
					Status struct {
						Type        string `json:"type"`
						Description string `json:"description"`
						Code        string `json:"code"`
					} `json:"status"`
					Location struct {
						Address struct {
							City          string `json:"city"`
							StateProvince string `json:"stateProvince"`
							Country       string `json:"country"`
						} `json:"address"`
					} `json:"location"`
					Date string `json:"date"` // 20060102
					Time string `json:"time"` // 150405
				} `json:"activity"`
			} `json:"package"`
		} `json:"shipment"`
	} `json:"trackResponse"`
}

// authenticate выполняет OAuth2 client-credentials flow. Сам по себе не
// кэширует: TTL-логика живёт в tokencache.
func (c *Client) authenticate(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/security/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, errors.Wrap(err, "new token request")
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "do token request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", 0, fmt.Errorf("ups oauth http %d", resp.StatusCode)
	}

	var tr tokenResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, errors.Wrap(err, "decode token")
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("ups oauth: empty access_token")
	}

	// UPS отдаёт expires_in строкой; json.Number переваривает оба варианта.
	sec, err := tr.ExpiresIn.Int64()
	if err != nil || sec <= 0 {
		sec = 3600
	}
	return tr.AccessToken, time.Duration(sec) * time.Second, nil
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	token, err := c.tokens.Get(ctx, models.CarrierUPS, c.authenticate)
	if err != nil {
		return carrier.Empty(), err
	}

	u := fmt.Sprintf("%s/api/track/v1/details/%s", c.baseURL, url.PathEscape(trackingNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "new track request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("transId", fmt.Sprintf("shipradar-%d", time.Now().UnixNano()))
	req.Header.Set("transactionSrc", "shipradar")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.Empty(), errors.Wrap(err, "do track request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.Empty(), fmt.Errorf("ups track http %d", resp.StatusCode)
	}

	var tr trackResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return carrier.Empty(), errors.Wrap(err, "decode track response")
	}

	return c.parse(tr), nil
}

// parse сворачивает ответ UPS в нормализованный результат. Пустой или
// неполный ответ — это валидный "ничего не знаем", не ошибка.
func (c *Client) parse(tr trackResp) carrier.TrackingResult {
	if len(tr.TrackResponse.Shipment) == 0 || len(tr.TrackResponse.Shipment[0].Package) == 0 {
		return carrier.Empty()
	}
	pkg := tr.TrackResponse.Shipment[0].Package[0]

	out := carrier.TrackingResult{
		CarrierStatusText: pkg.CurrentStatus.Description,
	}

	switch pkg.CurrentStatus.Type {
	case statusTypeDelivered:
		out.IsDelivered = true
	case statusTypeException:
		out.IsException = true
		out.ExceptionCode = strPtr(pkg.CurrentStatus.Code)
		out.ExceptionReason = strPtr(pkg.CurrentStatus.Description)
	}

	for _, dd := range pkg.DeliveryDate {
		d, err := time.ParseInLocation("20060102", dd.Date, time.UTC)
		if err != nil {
			continue
		}
		switch dd.Type {
		case "SDD":
			out.ExpectedDeliveryDate = &d
		case "RDD":
			out.RescheduledDeliveryDate = &d
		case "DEL":
			out.DeliveredAt = &d
		}
	}

	for _, a := range pkg.Activity {
		evTime := parseActivityTime(a.Date, a.Time)

		evType := models.EventTypeScan
		switch a.Status.Type {
		case statusTypeDelivered:
			evType = models.EventTypeDelivered
		case statusTypeException:
			evType = models.EventTypeException
		}

		ev := &models.TrackingEvent{
			EventType:   evType,
			EventTime:   evTime,
			Description: a.Status.Description,
			City:        strPtr(a.Location.Address.City),
			State:       strPtr(a.Location.Address.StateProvince),
			Country:     strPtr(a.Location.Address.Country),
		}
		out.Events = append(out.Events, ev)
	}

	// Activity у UPS приходит от новых к старым: первый элемент — последний скан.
	if len(pkg.Activity) > 0 {
		last := pkg.Activity[0]
		if t := parseActivityTime(last.Date, last.Time); !t.IsZero() {
			out.LastScanTime = &t
		}
		out.LastScanLocation = formatLocation(
			last.Location.Address.City, last.Location.Address.StateProvince, last.Location.Address.Country)
	}

	return out
}

func (c *Client) TrackingURL(trackingNumber string) string {
	return "https://www.ups.com/track?tracknum=" + url.QueryEscape(trackingNumber)
}

// Нечитаемая дата активности даёт нулевое время: время события входит
// в натуральный ключ дедупликации, фоллбек обязан быть детерминированным.
func parseActivityTime(date, tm string) time.Time {
	if t, err := time.ParseInLocation("20060102150405", date+tm, time.UTC); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("20060102", date, time.UTC); err == nil {
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
