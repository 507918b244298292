// Package estimator talks to the remote carbon-estimation service. Every call
// returns an Outcome; only transport failures come back as errors.
package estimator

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"carbonlog/session"
	"carbonlog/transport"
)

const (
	submitPath  = "/api/log-activity/"
	suggestPath = "/api/suggest-factor/"
	historyPath = "/api/my-activities/"
)

type Item struct {
	ActivityType string
	Key          string
	Quantity     float64
	Unit         string
	CO2eKg       float64
	InputText    string
	LoggedAt     time.Time
}

type Result struct {
	TotalCO2eKg  float64
	Items        []Item
	Unrecognized []string
	Message      string
	RequestID    string
	Metrics      *transport.NetworkMetrics
}

// Outcome is one of Accepted, Rejected, Unauthorized or Malformed.
type Outcome interface {
	outcome()
}

type Accepted struct {
	Result Result
}

// Rejected is a non-2xx reply other than 401/403.
type Rejected struct {
	Status  int
	Message string
}

// Unauthorized is a 401 or 403. The body is never read.
type Unauthorized struct {
	Status int
}

// Malformed is a 2xx reply whose body could not be understood.
type Malformed struct {
	Status int
	Err    error
}

func (Accepted) outcome()     {}
func (Rejected) outcome()     {}
func (Unauthorized) outcome() {}
func (Malformed) outcome()    {}

func (r Rejected) Error() string {
	if r.Message != "" {
		return fmt.Sprintf("status %d: %s", r.Status, r.Message)
	}
	return fmt.Sprintf("status %d", r.Status)
}

// Estimator is the submission side of the service, as used by the pipeline.
type Estimator interface {
	Submit(ctx context.Context, creds session.Credentials, text string) (Outcome, error)
}

type Client struct {
	client *transport.TracedClient
	apiURL string
}

func New(client *transport.TracedClient, apiURL string) *Client {
	return &Client{client: client, apiURL: strings.TrimRight(apiURL, "/")}
}

// number accepts a JSON number, a numeric string or null.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = number(f)
	return nil
}

type activity struct {
	ActivityType string  `json:"activity_type"`
	Key          *string `json:"key"`
	Quantity     number  `json:"quantity"`
	Unit         *string `json:"unit"`
	CO2e         number  `json:"co2e"`
	InputText    string  `json:"input_text"`
	Timestamp    number  `json:"timestamp"`
}

func (a activity) item() Item {
	it := Item{
		ActivityType: a.ActivityType,
		Quantity:     float64(a.Quantity),
		CO2eKg:       float64(a.CO2e),
		InputText:    a.InputText,
	}
	if a.Key != nil {
		it.Key = *a.Key
	}
	if a.Unit != nil {
		it.Unit = *a.Unit
	}
	if a.Timestamp > 0 {
		it.LoggedAt = time.Unix(int64(a.Timestamp), 0)
	}
	return it
}

type submitResponse struct {
	TotalCO2eKg     *number    `json:"total_co2e_kg"`
	Activities      []activity `json:"activities"`
	FailedSentences []string   `json:"failed_sentences"`
	Message         string     `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, creds *session.Credentials, payload any) (*transport.TracedResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if creds != nil && creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	return c.client.Do(req)
}

// failure maps a non-2xx response to its outcome. ok is false for 2xx.
func failure(resp *transport.TracedResponse) (Outcome, bool) {
	if resp.OK() {
		return nil, false
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Unauthorized{Status: resp.StatusCode}, true
	}
	rej := Rejected{Status: resp.StatusCode}
	if resp.IsJSON() {
		var m messageResponse
		if json.Unmarshal(resp.Body, &m) == nil {
			rej.Message = m.Message
			if rej.Message == "" {
				rej.Message = m.Detail
			}
		}
	}
	return rej, true
}

// Submit sends one activity description for estimation.
func (c *Client) Submit(ctx context.Context, creds session.Credentials, text string) (Outcome, error) {
	resp, err := c.do(ctx, http.MethodPost, submitPath, &creds, map[string]string{
		"username":   creds.Username,
		"input_text": text,
	})
	if err != nil {
		return nil, err
	}
	if out, failed := failure(resp); failed {
		return out, nil
	}
	if !resp.IsJSON() {
		return Malformed{Status: resp.StatusCode, Err: fmt.Errorf("content type %q", resp.Header.Get("Content-Type"))}, nil
	}

	var sr submitResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return Malformed{Status: resp.StatusCode, Err: err}, nil
	}
	if sr.TotalCO2eKg == nil {
		return Malformed{Status: resp.StatusCode, Err: fmt.Errorf("response has no total_co2e_kg")}, nil
	}

	res := Result{
		TotalCO2eKg:  float64(*sr.TotalCO2eKg),
		Unrecognized: sr.FailedSentences,
		Message:      sr.Message,
		RequestID:    resp.RequestID,
		Metrics:      resp.Metrics,
	}
	for _, a := range sr.Activities {
		res.Items = append(res.Items, a.item())
	}
	return Accepted{Result: res}, nil
}

type Factor struct {
	ActivityType    string  `json:"activity_type"`
	Key             string  `json:"key"`
	CO2ePerUnit     float64 `json:"co2e_per_unit"`
	Unit            string  `json:"unit"`
	SourceReference string  `json:"source_reference"`
}

func (f Factor) Validate() error {
	switch {
	case f.ActivityType == "":
		return fmt.Errorf("activity type is required")
	case f.Key == "":
		return fmt.Errorf("key is required")
	case f.Unit == "":
		return fmt.Errorf("unit is required")
	case f.CO2ePerUnit <= 0:
		return fmt.Errorf("co2e per unit must be positive")
	}
	return nil
}

// SuggestFactor proposes a new emission factor for review. Accepted carries
// only the server's message.
func (c *Client) SuggestFactor(ctx context.Context, creds session.Credentials, f Factor) (Outcome, error) {
	resp, err := c.do(ctx, http.MethodPost, suggestPath, &creds, f)
	if err != nil {
		return nil, err
	}
	if out, failed := failure(resp); failed {
		return out, nil
	}
	res := Result{RequestID: resp.RequestID, Metrics: resp.Metrics}
	if resp.IsJSON() {
		var m messageResponse
		if json.Unmarshal(resp.Body, &m) == nil {
			res.Message = m.Message
		}
	}
	return Accepted{Result: res}, nil
}

type historyResponse struct {
	Activities []activity `json:"activities"`
}

// History lists the user's logged activities, newest first. TotalCO2eKg of
// the accepted result is the sum over all of them.
func (c *Client) History(ctx context.Context, creds session.Credentials) (Outcome, error) {
	path := historyPath + "?username=" + url.QueryEscape(creds.Username)
	resp, err := c.do(ctx, http.MethodGet, path, &creds, nil)
	if err != nil {
		return nil, err
	}
	if out, failed := failure(resp); failed {
		return out, nil
	}
	if !resp.IsJSON() {
		return Malformed{Status: resp.StatusCode, Err: fmt.Errorf("content type %q", resp.Header.Get("Content-Type"))}, nil
	}
	var hr historyResponse
	if err := json.Unmarshal(resp.Body, &hr); err != nil {
		return Malformed{Status: resp.StatusCode, Err: err}, nil
	}

	res := Result{RequestID: resp.RequestID, Metrics: resp.Metrics}
	for _, a := range hr.Activities {
		it := a.item()
		res.Items = append(res.Items, it)
		res.TotalCO2eKg += it.CO2eKg
	}
	slices.SortStableFunc(res.Items, func(a, b Item) int {
		return cmp.Compare(b.LoggedAt.UnixNano(), a.LoggedAt.UnixNano())
	})
	return Accepted{Result: res}, nil
}
