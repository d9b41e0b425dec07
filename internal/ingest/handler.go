// Package ingest accepts raw value batches from collectors and feeds
// them into the computation scheduler.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"telemetry-core/internal/points/application"
	points "telemetry-core/internal/points/domain"
)

// RawSink consumes collector tuples.
type RawSink interface {
	HandleRawUpdate(ctx context.Context, upd application.RawUpdate)
}

// Handler handles POST /api/v1/ingest.
type Handler struct {
	sink   RawSink
	logger *log.Logger
}

// NewHandler constructs an ingest handler.
func NewHandler(sink RawSink, logger *log.Logger) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("ingest: nil sink")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{sink: sink, logger: logger}, nil
}

type ingestPoint struct {
	PointID string       `json:"point_id"`
	Value   points.Value `json:"value"`
	Quality string       `json:"quality,omitempty"`
	// TS is epoch milliseconds; zero means receive time.
	TS int64 `json:"ts,omitempty"`
}

type ingestRequest struct {
	Points []ingestPoint `json:"points"`
}

// ServeHTTP ingests a batch of raw updates. Updates are accepted
// point-by-point; a malformed entry is skipped and reported, not
// rejected wholesale.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Printf("ingest: decode error: %v", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Points) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	accepted := 0
	skipped := 0
	for _, p := range req.Points {
		if p.PointID == "" {
			skipped++
			continue
		}
		quality := points.Quality(p.Quality)
		if quality == "" {
			quality = points.QualityGood
		}
		if !quality.Valid() {
			h.logger.Printf("ingest: point %s invalid quality %q", p.PointID, p.Quality)
			skipped++
			continue
		}
		var ts time.Time
		if p.TS > 0 {
			ts = time.UnixMilli(p.TS).UTC()
		}
		h.sink.HandleRawUpdate(r.Context(), application.RawUpdate{
			PointID:   p.PointID,
			Value:     p.Value,
			Quality:   quality,
			Timestamp: ts,
		})
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"skipped":  skipped,
	})
}
