package http

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/pkg/jsonapi"
	"github.com/nexuscrm/agentusage/ports"
)

// QueryHandler serves read-only usage views.
type QueryHandler struct {
	usage   *app.UsageQueries
	catalog ports.TierCatalog
	poison  ports.PoisonStore
	logger  zerolog.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(usage *app.UsageQueries, catalog ports.TierCatalog, poison ports.PoisonStore, logger zerolog.Logger) *QueryHandler {
	return &QueryHandler{
		usage:   usage,
		catalog: catalog,
		poison:  poison,
		logger:  logger.With().Str("component", "query_http").Logger(),
	}
}

// Summary handles GET /api/v1/usage/summary?user_id=&month=YYYY-MM.
//
//	@Summary	Monthly usage summary
//	@Tags		Usage
//	@Produce	json
//	@Param		user_id	query		string	false	"Restrict to one user"
//	@Param		month	query		string	false	"YYYY-MM, defaults to the current month"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	400		{object}	jsonapi.Document
//	@Router		/api/v1/usage/summary [get]
func (h *QueryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.usage.MonthSummary(r.Context(), q.Get("user_id"), q.Get("month"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resources := make([]jsonapi.Resource, 0, len(rows))
	for _, row := range rows {
		resources = append(resources, summaryResource(row))
	}
	jsonapi.WriteCollection(w, resources, jsonapi.Meta{"total": len(resources)})
}

// Daily handles GET /api/v1/usage/daily?user_id=&from=&to=.
//
//	@Summary	Daily usage
//	@Tags		Usage
//	@Produce	json
//	@Param		user_id	query		string	false	"Restrict to one user"
//	@Param		from	query		string	false	"YYYY-MM-DD"
//	@Param		to		query		string	false	"YYYY-MM-DD"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	400		{object}	jsonapi.Document
//	@Router		/api/v1/usage/daily [get]
func (h *QueryHandler) Daily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aggs, err := h.usage.Daily(r.Context(), q.Get("user_id"), q.Get("from"), q.Get("to"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resources := make([]jsonapi.Resource, 0, len(aggs))
	for _, a := range aggs {
		resources = append(resources, dailyResource(a))
	}
	jsonapi.WriteCollection(w, resources, jsonapi.Meta{"total": len(resources)})
}

// Tiers handles GET /api/v1/tiers.
//
//	@Summary	List subscription tiers
//	@Tags		Usage
//	@Produce	json
//	@Success	200	{object}	jsonapi.Document
//	@Router		/api/v1/tiers [get]
func (h *QueryHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	limits := h.catalog.List()
	resources := make([]jsonapi.Resource, 0, len(limits))
	for _, l := range limits {
		resources = append(resources, tierResource(l))
	}
	jsonapi.WriteCollection(w, resources, nil)
}

// PoisonEvents handles GET /api/v1/poison-events?limit=.
//
//	@Summary	List poison events
//	@Tags		Usage
//	@Produce	json
//	@Param		limit	query		int	false	"Maximum rows (default 100, max 1000)"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	400		{object}	jsonapi.Document
//	@Router		/api/v1/poison-events [get]
func (h *QueryHandler) PoisonEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 100, 1000)
	if !ok {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("limit", "limit must be a positive integer"))
		return
	}

	events, err := h.poison.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resources := make([]jsonapi.Resource, 0, len(events))
	for _, p := range events {
		resources = append(resources, poisonResource(p))
	}
	jsonapi.WriteCollection(w, resources, jsonapi.Meta{"total": len(resources)})
}
