// Package handler exposes the HTTP front door: health and readiness
// probes plus a synchronous ingest path that feeds the same publisher as
// the queue-driven pipeline.
package handler

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/decode"
	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
	"github.com/skysense/scan-transformer/internal/transform"
)

// maxBodyBytes caps synchronous uploads; payloads beyond this belong in
// the object store.
const maxBodyBytes = 8 << 20

// measurementSink matches the publisher's write surface.
type measurementSink interface {
	Publish(m *model.Measurement)
	Flush()
}

// ScanHandler serves the synchronous scan-report endpoints.
type ScanHandler struct {
	transformer *transform.Transformer
	sink        measurementSink
	readiness   *Readiness
	counters    telemetry.Counters
	logger      *zap.Logger
}

// NewScanHandler builds the handler over the shared pipeline components.
func NewScanHandler(
	transformer *transform.Transformer,
	sink measurementSink,
	readiness *Readiness,
	counters telemetry.Counters,
	logger *zap.Logger,
) *ScanHandler {
	return &ScanHandler{
		transformer: transformer,
		sink:        sink,
		readiness:   readiness,
		counters:    counters,
		logger:      logger,
	}
}

// Register binds the routes.
func (h *ScanHandler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/readyz", h.Ready)

	v1 := e.Group("/v1")
	v1.POST("/scan-reports", h.SubmitScanReport)
	v1.POST("/scan-reports/compressed", h.SubmitCompressedScanReport)
}

type scanReportResponse struct {
	ProcessingBatchID string `json:"processing_batch_id"`
	Accepted          int    `json:"accepted"`
	Dropped           int    `json:"dropped"`
}

// Health reports process liveness.
func (h *ScanHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether startup dependency checks have all passed.
func (h *ScanHandler) Ready(c echo.Context) error {
	ready, checks := h.readiness.Status()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"ready": ready, "checks": checks})
}

// SubmitScanReport accepts a raw JSON scan payload and runs it through
// the transform + publish stages, bypassing the queue and decoder.
func (h *ScanHandler) SubmitScanReport(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}
	return h.ingest(c, string(body))
}

// SubmitCompressedScanReport accepts the wire form (base64 of gzip of
// JSON) and runs the full decode path first.
func (h *ScanHandler) SubmitCompressedScanReport(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}

	doc, err := decode.Decode(body)
	if err != nil {
		h.counters.Inc("http_payload_errors", "kind", string(decode.KindOf(err)))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "undecodable payload",
			"kind":  string(decode.KindOf(err)),
		})
	}
	return h.ingest(c, doc)
}

func (h *ScanHandler) ingest(c echo.Context, doc string) error {
	scan, err := model.ParseScanData(doc)
	if err != nil {
		h.counters.Inc("http_payload_errors", "kind", "bad_json")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid scan payload"})
	}

	batchID := uuid.NewString()
	records := h.transformer.Transform(scan, batchID)
	for i := range records {
		h.sink.Publish(&records[i])
	}
	h.sink.Flush()

	candidates := len(scan.ConnectedEvents)
	for i := range scan.ScanResults {
		candidates += len(scan.ScanResults[i].Results)
	}

	h.counters.Add("http_records_accepted", int64(len(records)))
	h.logger.Info("scan report ingested",
		zap.String("batch_id", batchID),
		zap.Int("accepted", len(records)),
		zap.Int("dropped", candidates-len(records)),
	)

	return c.JSON(http.StatusAccepted, scanReportResponse{
		ProcessingBatchID: batchID,
		Accepted:          len(records),
		Dropped:           candidates - len(records),
	})
}

func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
}
