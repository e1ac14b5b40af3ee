package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"iot-alerting/internal/auth"
	"iot-alerting/internal/observability/metrics"
	telemetry "iot-alerting/internal/telemetry/domain"
)

const maxBodyBytes = 1 << 20

// Ingestor accepts decoded readings.
type Ingestor interface {
	Ingest(ctx context.Context, readings []telemetry.Reading) error
}

// IngestHandler handles POST /api/v1/ingest/telemetry from device gateways.
// It runs behind auth.IngestAuthMiddleware, which supplies the tenant.
type IngestHandler struct {
	ingestor Ingestor
	logger   *zap.Logger
	now      func() time.Time
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingestor Ingestor, logger *zap.Logger) (*IngestHandler, error) {
	if ingestor == nil {
		return nil, errors.New("telemetry ingest: nil ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{ingestor: ingestor, logger: logger, now: time.Now}, nil
}

// ServeHTTP ingests telemetry data.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.IncIngestError("read")
		h.logger.Warn("telemetry ingest: read body", zap.Error(err))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}

	identity := telemetry.Identity{TenantID: auth.TenantIDFromContext(r.Context())}
	readings, err := telemetry.Decode(body, identity, telemetry.SourceHTTP, h.now())
	if err != nil {
		metrics.IncIngestError("decode")
		h.logger.Info("telemetry ingest: invalid payload", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.ingestor.Ingest(r.Context(), readings); err != nil {
		h.logger.Error("telemetry ingest failed", zap.String("tenant_id", readings[0].TenantID), zap.Error(err))
		http.Error(w, "ingest error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(readings)})
}
