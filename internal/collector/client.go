package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRejected means the collector answered but did not acknowledge the
// batch. The batch goes back to pending like any other upload failure.
var ErrRejected = errors.New("collector: batch not acknowledged")

// Client uploads batches to the collector. Safe for use from one scheduler
// goroutine; the upload path holds the DATA radio lease while it runs.
type Client struct {
	url    string
	device string
	http   *http.Client
}

// NewClient targets the collector ingestion URL. timeout bounds the whole
// request; the data bearer is slow and pay-per-MB, so this stays tight.
func NewClient(url, device string, timeout time.Duration) *Client {
	return &Client{
		url:    url,
		device: device,
		http:   &http.Client{Timeout: timeout},
	}
}

// Upload posts the batch and returns the collector's ack token. Success
// requires a 2xx response AND a non-empty ack; anything else is an error
// and the caller must return the batch to pending.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (string, error) {
	req.Device = c.device
	req.Sent = time.Now().UTC()
	req.Count = len(req.Observations)

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("collector: marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("collector: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("collector: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %s", ErrRejected, resp.Status)
	}

	var ack UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("%w: unreadable response: %v", ErrRejected, err)
	}
	if ack.Status != statusOK || ack.Ack == "" {
		return "", fmt.Errorf("%w: status %q", ErrRejected, ack.Status)
	}
	return ack.Ack, nil
}
