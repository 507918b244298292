package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"carbonlog/capture"
	"carbonlog/transport"
)

const path = "/api/speech-to-text/"

type Client struct {
	client *transport.TracedClient
	apiURL string
}

func New(client *transport.TracedClient, apiURL string) *Client {
	return &Client{client: client, apiURL: strings.TrimRight(apiURL, "/")}
}

// Warm opens a connection to the service so the first clip does not pay for
// the handshake.
func (c *Client) Warm(ctx context.Context) {
	c.client.Warm(ctx, c.apiURL+path)
}

type response struct {
	Transcript *string `json:"transcript"`
	Message    string  `json:"message"`
}

func (c *Client) Transcribe(ctx context.Context, clip *capture.Clip) (Result, error) {
	if clip.Empty() {
		return Result{}, ErrEmptyTranscript
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, clip.Filename()))
	h.Set("Content-Type", clip.MIMEType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(clip.Data); err != nil {
		return Result{}, err
	}
	if err := writer.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", clip.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}

	if !resp.IsJSON() {
		return Result{}, fmt.Errorf("%w: status %d, content type %q",
			ErrServiceUnavailable, resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	var r response
	if err := json.Unmarshal(resp.Body, &r); err != nil {
		return Result{}, fmt.Errorf("%w: status %d: %w", ErrServiceUnavailable, resp.StatusCode, err)
	}
	if !resp.OK() {
		if r.Message != "" {
			return Result{}, fmt.Errorf("%w: %s", ErrServiceUnavailable, r.Message)
		}
		return Result{}, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}
	if r.Transcript == nil {
		return Result{}, fmt.Errorf("%w: response has no transcript", ErrServiceUnavailable)
	}

	text := strings.TrimSpace(*r.Transcript)
	if text == "" {
		return Result{}, ErrEmptyTranscript
	}
	return Result{Text: text, Metrics: resp.Metrics, RequestID: resp.RequestID}, nil
}
