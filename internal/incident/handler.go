package incident

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/bissquit/incident-archive/internal/aiops"
	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: ErrInvalidTimeRange, Status: http.StatusBadRequest},
	{Error: ErrInvalidInterval, Status: http.StatusBadRequest},
	{Error: ErrTooManyBuckets, Status: http.StatusBadRequest},
	{Error: ErrUnknownField, Status: http.StatusBadRequest},
	{Error: ErrInvalidFilter, Status: http.StatusBadRequest},
	{Error: aiops.ErrUpstream, Status: http.StatusBadGateway, Message: "incident detail service error"},
}

// Handler handles HTTP requests for incidents.
type Handler struct {
	query     *QueryEngine
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new incident handler.
func NewHandler(query *QueryEngine, service *Service) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)

	return &Handler{
		query:     query,
		service:   service,
		validator: v,
	}
}

// RegisterRoutes registers all incident routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/incidents", func(r chi.Router) {
		r.Use(httputil.OperatorMiddleware)

		r.Get("/", h.List)
		r.Get("/overview", h.Overview)
		r.Get("/histogram", h.Histogram)
		r.Get("/top_n", h.TopN)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}", h.Edit)
		r.Post("/{id}/feedback", h.Feedback)
		r.Get("/{id}/operations", h.Operations)
		r.Get("/{id}/handlers", h.Handlers)
		r.Get("/{id}/targets", h.Targets)
		r.Get("/{id}/topology", h.Topology)
		r.Get("/{id}/timeline", h.Timeline)
	})
}

// EditRequest represents the request body for editing an incident.
type EditRequest struct {
	Name      *string   `json:"incident_name" validate:"omitempty,min=1,max=255"`
	Reason    *string   `json:"incident_reason" validate:"omitempty,max=4096"`
	Level     *string   `json:"level" validate:"omitempty,oneof=ERROR WARN INFO"`
	Assignees *[]string `json:"assignees"`
	Handlers  *[]string `json:"handlers"`
	Labels    *[]string `json:"labels"`
}

// ToInput converts the request to service input.
func (r *EditRequest) ToInput() EditInput {
	in := EditInput{
		Name:      r.Name,
		Reason:    r.Reason,
		Assignees: r.Assignees,
		Handlers:  r.Handlers,
		Labels:    r.Labels,
	}
	if r.Level != nil {
		level := domain.IncidentLevel(*r.Level)
		in.Level = &level
	}
	return in
}

// FeedbackRequest represents the request body for incident feedback.
type FeedbackRequest struct {
	Contents domain.JSONMap `json:"contents" validate:"required"`
}

// List handles GET /incidents request.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.query.Search(r.Context(), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, resp)
}

// Overview handles GET /incidents/overview request.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.query.Overview(r.Context(), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, resp)
}

// Histogram handles GET /incidents/histogram request.
func (h *Handler) Histogram(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchRequest(w, r)
	if !ok {
		return
	}

	interval := r.URL.Query().Get("interval")
	resp, err := h.query.DateHistogram(r.Context(), req, interval)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, resp)
}

// TopN handles GET /incidents/top_n request.
func (h *Handler) TopN(w http.ResponseWriter, r *http.Request) {
	req, ok := h.searchRequest(w, r)
	if !ok {
		return
	}

	size := 0
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "invalid size")
			return
		}
		size = n
	}

	fields := queryList(r, "fields")
	resp, err := h.query.TopN(r.Context(), req, fields, size)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, resp)
}

// Get handles GET /incidents/{id} request.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Detail(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, view)
}

// Edit handles PATCH /incidents/{id} request.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	view, err := h.service.Edit(r.Context(), id, req.ToInput(), httputil.Operator(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, view)
}

// Feedback handles POST /incidents/{id}/feedback request.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	feedback, err := h.service.Feedback(r.Context(), id, req.Contents, httputil.Operator(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, feedback)
}

// Operations handles GET /incidents/{id}/operations request.
func (h *Handler) Operations(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}

	ops, err := h.service.Operations(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, ops)
}

// Handlers handles GET /incidents/{id}/handlers request.
func (h *Handler) Handlers(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Handlers(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, view)
}

// Targets handles GET /incidents/{id}/targets request.
func (h *Handler) Targets(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Targets(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, view)
}

// Topology handles GET /incidents/{id}/topology request.
// There is no topology contract yet, so the body is an empty object.
func (h *Handler) Topology(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]any{})
}

// Timeline handles GET /incidents/{id}/timeline request.
func (h *Handler) Timeline(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]any{})
}

// searchRequest parses and validates the shared filter query parameters.
// It writes the error response itself and reports whether parsing succeeded.
func (h *Handler) searchRequest(w http.ResponseWriter, r *http.Request) (SearchRequest, bool) {
	q := r.URL.Query()
	req := SearchRequest{
		Status:      queryList(r, "status"),
		Level:       queryList(r, "level"),
		Assignee:    queryList(r, "assignee"),
		Handler:     queryList(r, "handler"),
		QueryString: q.Get("query_string"),
		Ordering:    q.Get("ordering"),
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{"start_time", &req.StartTime},
		{"end_time", &req.EndTime},
	}
	for _, p := range ints {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", p.name))
				return req, false
			}
			*p.dst = n
		}
	}

	for name, dst := range map[string]*int{"page": &req.Page, "page_size": &req.PageSize} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
				return req, false
			}
			*dst = n
		}
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return req, false
	}
	return req, true
}

// queryList accepts both repeated parameters and comma separated values.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// jsonFieldName reports validation errors under the request's JSON names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func incidentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid incident id")
		return 0, false
	}
	return id, true
}

