// Package collector implements the upload protocol between a sensor and the
// collection server: one HTTPS POST per batch, acknowledged per batch with
// an explicit token. Anything other than a 2xx response carrying an ack is
// a failure and the batch must be retried.
package collector

import (
	"time"

	"github.com/jcrawfordor/cellscan/internal/store"
)

// UploadRequest is the batch payload: record count, then per-record
// timestamp, serving cell, neighbor array and optional location.
type UploadRequest struct {
	Device       string              `json:"device"`
	Sent         time.Time           `json:"sent"`
	Count        int                 `json:"count"`
	Observations []store.Observation `json:"observations"`
}

// UploadResponse is the collector's per-batch acknowledgment.
type UploadResponse struct {
	Status string `json:"status"`
	Ack    string `json:"ack"`
}

const statusOK = "OK"
