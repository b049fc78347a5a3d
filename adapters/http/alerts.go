package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/domain/alert"
	"github.com/nexuscrm/agentusage/pkg/jsonapi"
)

// AlertHandler serves the alert list and lifecycle actions.
type AlertHandler struct {
	alerts *app.AlertService
	logger zerolog.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alerts *app.AlertService, logger zerolog.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: logger.With().Str("component", "alerts_http").Logger(),
	}
}

// Router returns the alert routes, mounted at /api/v1/alerts.
func (h *AlertHandler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/acknowledge", h.Acknowledge)
	r.Post("/{id}/resolve", h.Resolve)
	r.Post("/{id}/dismiss", h.Dismiss)

	return r
}

// actionRequest is the optional body of a lifecycle action.
type actionRequest struct {
	By string `json:"by"`
}

// List handles GET /api/v1/alerts?user_id=&type=&limit=.
//
//	@Summary	List open alerts
//	@Tags		Alerts
//	@Produce	json
//	@Param		user_id	query		string	false	"Restrict to one user"
//	@Param		type	query		string	false	"Alert type"	Enums(approaching_limit, limit_exceeded, anomaly_detected, upgrade_opportunity)
//	@Param		limit	query		int		false	"Maximum rows (default 100, max 1000)"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	400		{object}	jsonapi.Document
//	@Router		/api/v1/alerts [get]
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{UserID: q.Get("user_id")}

	if v := q.Get("type"); v != "" {
		t, err := alert.ParseType(v)
		if err != nil {
			jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("type", err.Error()))
			return
		}
		f.Type = t
	}
	limit, ok := queryLimit(r, 100, 1000)
	if !ok {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("limit", "limit must be a positive integer"))
		return
	}
	f.Limit = limit

	alerts, err := h.alerts.ListActive(r.Context(), f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resources := make([]jsonapi.Resource, 0, len(alerts))
	for _, a := range alerts {
		resources = append(resources, alertResource(a))
	}
	jsonapi.WriteCollection(w, resources, jsonapi.Meta{"total": len(resources)})
}

// Get handles GET /api/v1/alerts/{id}.
//
//	@Summary	Get alert
//	@Tags		Alerts
//	@Produce	json
//	@Param		id	path		string	true	"Alert ID"
//	@Success	200	{object}	jsonapi.Document
//	@Failure	404	{object}	jsonapi.Document
//	@Router		/api/v1/alerts/{id} [get]
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		h.writeAlertError(w, id, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, alertResource(a))
}

// Acknowledge handles POST /api/v1/alerts/{id}/acknowledge.
//
//	@Summary	Acknowledge alert
//	@Tags		Alerts
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Alert ID"
//	@Param		body	body		actionRequest	false	"Actor"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	404		{object}	jsonapi.Document
//	@Failure	409		{object}	jsonapi.Document
//	@Router		/api/v1/alerts/{id}/acknowledge [post]
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.alerts.Acknowledge)
}

// Resolve handles POST /api/v1/alerts/{id}/resolve.
//
//	@Summary	Resolve alert
//	@Tags		Alerts
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Alert ID"
//	@Param		body	body		actionRequest	false	"Actor"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	404		{object}	jsonapi.Document
//	@Failure	409		{object}	jsonapi.Document
//	@Router		/api/v1/alerts/{id}/resolve [post]
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.alerts.Resolve)
}

// Dismiss handles POST /api/v1/alerts/{id}/dismiss.
//
//	@Summary	Dismiss alert
//	@Tags		Alerts
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Alert ID"
//	@Param		body	body		actionRequest	false	"Actor"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	404		{object}	jsonapi.Document
//	@Failure	409		{object}	jsonapi.Document
//	@Router		/api/v1/alerts/{id}/dismiss [post]
func (h *AlertHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.alerts.Dismiss)
}

func (h *AlertHandler) action(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, by string) (alert.Alert, error)) {
	id := chi.URLParam(r, "id")

	var req actionRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			jsonapi.WriteBadRequest(w, "Invalid JSON body")
			return
		}
	}

	a, err := fn(r.Context(), id, req.By)
	if err != nil {
		h.writeAlertError(w, id, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, alertResource(a))
}

func (h *AlertHandler) writeAlertError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, alert.ErrNotFound) {
		jsonapi.WriteError(w, jsonapi.ErrNotFoundWithID("alert", id))
		return
	}
	writeServiceError(w, h.logger, err)
}
