package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/pkg/jsonapi"
	"github.com/nexuscrm/agentusage/ports"
)

// Webhook authentication headers.
const (
	HeaderSignature = "X-Usage-Signature"
	HeaderTimestamp = "X-Usage-Timestamp"
)

// IngestHandlerConfig contains dependencies for the ingest handler.
type IngestHandlerConfig struct {
	Ingestor *app.Ingestor
	Clock    ports.Clock
	Logger   zerolog.Logger

	// Secret enables HMAC signature checks when non-empty.
	Secret string
	// Tolerance bounds the signature timestamp skew (default: 300s).
	Tolerance time.Duration
	// MaxBodyBytes caps the request body (default: 1MB).
	MaxBodyBytes int64
}

// IngestHandler accepts usage events from the product.
type IngestHandler struct {
	ingestor  *app.Ingestor
	clock     ports.Clock
	secret    string
	tolerance time.Duration
	maxBody   int64
	logger    zerolog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(cfg IngestHandlerConfig) *IngestHandler {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 300 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &IngestHandler{
		ingestor:  cfg.Ingestor,
		clock:     cfg.Clock,
		secret:    cfg.Secret,
		tolerance: cfg.Tolerance,
		maxBody:   cfg.MaxBodyBytes,
		logger:    cfg.Logger.With().Str("component", "ingest_http").Logger(),
	}
}

// Create handles POST /api/v1/usage/events.
//
//	@Summary		Ingest usage event
//	@Description	Accept one agent interaction. Replays of a known event id return 200 with meta.duplicate and change nothing.
//	@Tags			Ingest
//	@Accept			json
//	@Produce		json
//	@Param			X-Usage-Signature	header		string			false	"sha256=<hex HMAC of the body>"
//	@Param			X-Usage-Timestamp	header		string			false	"Unix seconds"
//	@Param			event				body		usage.Candidate	true	"Usage event"
//	@Success		200					{object}	jsonapi.Document	"Duplicate event acknowledged"
//	@Success		201					{object}	jsonapi.Document	"Event accepted"
//	@Failure		400					{object}	jsonapi.Document
//	@Failure		401					{object}	jsonapi.Document
//	@Failure		413					{object}	jsonapi.Document
//	@Failure		422					{object}	jsonapi.Document
//	@Router			/api/v1/usage/events [post]
func (h *IngestHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonapi.WriteError(w, jsonapi.NewError(http.StatusRequestEntityTooLarge, "payload_too_large", "Payload Too Large").
				Detailf("Request body exceeds %d bytes", h.maxBody).
				Build())
			return
		}
		jsonapi.WriteBadRequest(w, "Failed to read request body")
		return
	}

	if h.secret != "" {
		if !usage.VerifySignature(body, r.Header.Get(HeaderSignature), h.secret) {
			h.logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected event with invalid signature")
			jsonapi.WriteError(w, jsonapi.ErrInvalidSignature(HeaderSignature, "Signature does not match the request body"))
			return
		}
		if !usage.VerifyTimestamp(r.Header.Get(HeaderTimestamp), h.clock.Now(), h.tolerance) {
			jsonapi.WriteError(w, jsonapi.ErrInvalidSignature(HeaderTimestamp, "Timestamp is outside the accepted window"))
			return
		}
	}

	var c usage.Candidate
	if err := json.Unmarshal(body, &c); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body")
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), c)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if res.Duplicate {
		jsonapi.WriteDocument(w, http.StatusOK, jsonapi.NewDocument().
			Data(eventResource(res.Event)).
			Meta("duplicate", true).
			Build())
		return
	}
	jsonapi.WriteResource(w, http.StatusCreated, eventResource(res.Event))
}
