// Package classifier calls the external churn classifier service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kubilitics/churnwatch/internal/models"
)

// ErrUnavailable is returned when no classifier endpoint is configured.
var ErrUnavailable = errors.New("churn classifier is not configured")

// Payload is the feature set the classifier scores. Fields the customer
// record does not carry use fixed population defaults.
type Payload struct {
	Tenure                      int     `json:"Tenure"`
	PreferredLoginDevice        string  `json:"PreferredLoginDevice"`
	CityTier                    int     `json:"CityTier"`
	WarehouseToHome             float64 `json:"WarehouseToHome"`
	PreferredPaymentMode        string  `json:"PreferredPaymentMode"`
	Gender                      string  `json:"Gender"`
	HourSpendOnApp              float64 `json:"HourSpendOnApp"`
	NumberOfDeviceRegistered    int     `json:"NumberOfDeviceRegistered"`
	PreferedOrderCat            string  `json:"PreferedOrderCat"`
	SatisfactionScore           int     `json:"SatisfactionScore"`
	MaritalStatus               string  `json:"MaritalStatus"`
	NumberOfAddress             int     `json:"NumberOfAddress"`
	Complain                    int     `json:"Complain"`
	OrderAmountHikeFromlastYear float64 `json:"OrderAmountHikeFromlastYear"`
	CouponUsed                  int     `json:"CouponUsed"`
	OrderCount                  int     `json:"OrderCount"`
	DaySinceLastOrder           int     `json:"DaySinceLastOrder"`
	CashbackAmount              float64 `json:"CashbackAmount"`
}

// PayloadFor builds the classifier input for c.
func PayloadFor(c *models.Customer) Payload {
	return Payload{
		Tenure:                      c.Tenure,
		PreferredLoginDevice:        "Mobile Phone",
		CityTier:                    1,
		WarehouseToHome:             15,
		PreferredPaymentMode:        "Credit Card",
		Gender:                      "Male",
		HourSpendOnApp:              2,
		NumberOfDeviceRegistered:    3,
		PreferedOrderCat:            "Laptop & Accessory",
		SatisfactionScore:           3,
		MaritalStatus:               "Single",
		NumberOfAddress:             2,
		OrderAmountHikeFromlastYear: 15,
		CouponUsed:                  5,
		OrderCount:                  c.OrderCount,
		DaySinceLastOrder:           5,
		CashbackAmount:              c.CashbackAmount,
	}
}

type predictResponse struct {
	ChurnProbability *float64 `json:"churn_probability"`
	CustomerValue    struct {
		ValueScore float64 `json:"value_score"`
	} `json:"customer_value"`
	CustomerSegment struct {
		SegmentID int `json:"segment_id"`
	} `json:"customer_segment"`
}

// Client posts customer payloads to the classifier's /predict endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. An empty baseURL yields a client
// whose Predict always returns ErrUnavailable.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Predict scores c.
func (c *Client) Predict(ctx context.Context, customer *models.Customer) (models.Prediction, error) {
	var out models.Prediction
	if c.baseURL == "" {
		return out, ErrUnavailable
	}

	body, err := json.Marshal(PayloadFor(customer))
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "churnwatch/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return out, fmt.Errorf("decode classifier response: %w", err)
	}
	if pr.ChurnProbability == nil {
		return out, errors.New("classifier response has no churn_probability")
	}
	out.ChurnProbability = *pr.ChurnProbability
	out.ValueScore = pr.CustomerValue.ValueScore
	out.SegmentID = pr.CustomerSegment.SegmentID
	if out.SegmentID == 0 {
		out.SegmentID = models.DefaultSegment
	}
	return out, nil
}
