package collector

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// deviceName restricts device ids to something safe to use as a filename.
var deviceName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Handler is the collector's ingestion endpoint. Received batches are
// appended to one JSON-lines file per device; analysis happens elsewhere.
type Handler struct {
	mu      sync.Mutex
	dataDir string
}

// NewHandler stores received observations under dataDir.
func NewHandler(dataDir string) *Handler {
	return &Handler{dataDir: dataDir}
}

// Mux returns the collector's routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", h.handleUpload)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if !deviceName.MatchString(req.Device) {
		http.Error(w, "bad device id", http.StatusBadRequest)
		return
	}
	if req.Count != len(req.Observations) {
		http.Error(w, "count mismatch", http.StatusBadRequest)
		return
	}
	if len(req.Observations) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	if err := h.save(req); err != nil {
		log.Printf("cellserv: save batch from %s: %v", req.Device, err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	resp := UploadResponse{Status: statusOK, Ack: batchAck(req)}
	log.Printf("cellserv: accepted %d observation(s) from %s, ack %s",
		req.Count, req.Device, resp.Ack)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("cellserv: write ack: %v", err)
	}
}

func (h *Handler) save(req UploadRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(h.dataDir, req.Device+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, obs := range req.Observations {
		if err := enc.Encode(obs); err != nil {
			return err
		}
	}
	return f.Sync()
}

// batchAck derives a stable per-batch token from the batch identity, so a
// retried batch gets the same ack.
func batchAck(req UploadRequest) string {
	first, last := req.Observations[0].ID, req.Observations[len(req.Observations)-1].ID
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d|%d", req.Device, req.Count, first, last)))
	return fmt.Sprintf("%x", sum[:8])
}
