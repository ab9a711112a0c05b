package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/notifier/internal/domain"
	"github.com/dukerupert/notifier/internal/handler"
	"github.com/dukerupert/notifier/internal/middleware"
	"github.com/dukerupert/notifier/internal/router"
	"github.com/dukerupert/notifier/internal/service"
	"github.com/go-playground/validator/v10"
)

// DispatchRequest is the body of POST /api/emails.
type DispatchRequest struct {
	Recipient string `json:"recipient" validate:"required,email"`
	Content   string `json:"content" validate:"required"`
}

// EmailHandler exposes the dispatch service over HTTP.
type EmailHandler struct {
	service  service.DispatchService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewEmailHandler creates a new email handler
func NewEmailHandler(svc service.DispatchService, logger *slog.Logger) *EmailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailHandler{
		service:  svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Register mounts the email routes on r.
func (h *EmailHandler) Register(r *router.Router) {
	r.Post("/api/emails", h.Dispatch, middleware.MaxBodySize())
	r.Post("/api/emails/retry", h.Retry)
	r.Get("/api/emails/failed", h.ListFailed)
	r.Get("/api/emails/{id}", h.Get)
	r.Post("/api/emails/{id}/delivered", h.MarkDelivered)
}

// Dispatch handles POST /api/emails
//
// Creates a delivery record and attempts to send it. Responds 201 with the
// record; a transport failure still yields 201 with status FAILED so the
// caller can poll or retry later.
func (h *EmailHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "email.dispatch", "Invalid JSON"))
		return
	}

	if err := h.validateRequest(req); err != nil {
		handler.ValidationErrorResponse(w, r, err)
		return
	}

	record, err := h.service.Dispatch(r.Context(), req.Recipient, req.Content)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	middleware.GetLogger(r.Context(), h.logger).Info("email dispatched",
		"id", record.ID,
		"status", record.Status,
	)
	handler.WriteJSON(w, http.StatusCreated, record)
}

// Get handles GET /api/emails/{id}
func (h *EmailHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	record, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, record)
}

// MarkDelivered handles POST /api/emails/{id}/delivered
//
// Repeat calls on a delivered record return 200 with the unchanged record.
func (h *EmailHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	record, err := h.service.MarkDelivered(r.Context(), id)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, record)
}

// ListFailed handles GET /api/emails/failed
func (h *EmailHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListRetryCandidates(r.Context())
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"count":      len(records),
		"deliveries": records,
	})
}

// Retry handles POST /api/emails/retry
func (h *EmailHandler) Retry(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RetryFailed(r.Context())
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, report)
}

func (h *EmailHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Invalid delivery ID"))
		return 0, false
	}
	return id, true
}

// validateRequest converts validator failures into a domain ValidationError
// keyed by JSON field name.
func (h *EmailHandler) validateRequest(req DispatchRequest) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Invalid("email.dispatch", err.Error())
	}

	var out error
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		out = domain.AddFieldError(out, field, fieldMessage(field, fe.Tag()))
	}
	return out
}

func fieldMessage(field, tag string) string {
	switch tag {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	default:
		return field + " is invalid"
	}
}
