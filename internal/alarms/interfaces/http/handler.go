package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	alarmapp "iot-alerting/internal/alarms/application"
	alarms "iot-alerting/internal/alarms/domain"
	"iot-alerting/internal/auth"
)

const (
	timeLayout     = time.RFC3339
	maxBodyBytes   = 1 << 20
	maxExportRange = 93 * 24 * time.Hour
)

var (
	errMissingTenant = errors.New("tenant_id is required")
	errBadRequest    = errors.New("bad request")
)

// NotificationReader lists delivery records for the API.
type NotificationReader interface {
	ListByAlarm(ctx context.Context, tenantID, alarmID string) ([]alarms.Notification, error)
	ListForExport(ctx context.Context, tenantID string, from, to time.Time) ([]alarms.Notification, error)
}

// Handler serves the alarm, rule, channel and preference endpoints.
type Handler struct {
	service       *alarmapp.Service
	config        *alarmapp.ConfigService
	notifications NotificationReader
	broker        *SSEBroker
	logger        *zap.Logger
	now           func() time.Time
	heartbeat     time.Duration
}

// NewHandler constructs a handler. broker may be nil when streaming is disabled.
func NewHandler(service *alarmapp.Service, config *alarmapp.ConfigService, notifications NotificationReader, broker *SSEBroker, logger *zap.Logger) (*Handler, error) {
	if service == nil || config == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	if notifications == nil {
		return nil, errors.New("alarms handler: nil notification reader")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:       service,
		config:        config,
		notifications: notifications,
		broker:        broker,
		logger:        logger,
		now:           time.Now,
		heartbeat:     25 * time.Second,
	}, nil
}

// Routes registers the endpoints on r, which is expected to be mounted at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/alarms", func(r chi.Router) {
		r.Get("/", h.listAlarms)
		r.Get("/summary", h.summary)
		r.Get("/stream", h.stream)
		r.Route("/{alarmID}", func(r chi.Router) {
			r.Get("/", h.getAlarm)
			r.Post("/ack", h.acknowledge)
			r.Post("/clear", h.clear)
			r.Get("/notifications", h.alarmNotifications)
			r.Get("/report.pdf", h.alarmReport)
		})
	})
	r.Get("/notifications/export.xlsx", h.exportNotifications)

	r.Post("/rules", h.createRule)
	r.Post("/rules/validate", h.validateRule)
	r.Put("/rules/{ruleID}/channels", h.bindChannels)
	r.Post("/channels", h.createChannel)
	r.Put("/preferences", h.savePreferences)
}

func (h *Handler) listAlarms(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter, err := parseAlarmFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.service.List(r.Context(), tenantID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []alarms.Alarm{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.service.Summary(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) getAlarm(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	alarm, err := h.service.Get(r.Context(), tenantID, chi.URLParam(r, "alarmID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Acknowledge)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Clear)
}

type transitionFunc func(ctx context.Context, tenantID, id, userID string) (*alarms.Alarm, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	alarm, err := apply(r.Context(), tenantID, chi.URLParam(r, "alarmID"), auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

func (h *Handler) alarmNotifications(w http.ResponseWriter, r *http.Request) {
	alarm, list, ok := h.loadAlarmWithNotifications(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alarm_id":      alarm.ID,
		"notifications": list,
	})
}

func (h *Handler) alarmReport(w http.ResponseWriter, r *http.Request) {
	alarm, list, ok := h.loadAlarmWithNotifications(w, r)
	if !ok {
		return
	}
	data, err := BuildAlarmReportPDF(alarm, list, h.now())
	if err != nil {
		h.writeError(w, r, fmt.Errorf("render report: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"alarm-%s.pdf\"", alarm.ID))
	_, _ = w.Write(data)
}

func (h *Handler) loadAlarmWithNotifications(w http.ResponseWriter, r *http.Request) (*alarms.Alarm, []alarms.Notification, bool) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return nil, nil, false
	}
	alarm, err := h.service.Get(r.Context(), tenantID, chi.URLParam(r, "alarmID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, nil, false
	}
	list, err := h.notifications.ListByAlarm(r.Context(), tenantID, alarm.ID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, nil, false
	}
	if list == nil {
		list = []alarms.Notification{}
	}
	return alarm, list, true
}

func (h *Handler) exportNotifications(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to := h.now().UTC()
	from := to.Add(-7 * 24 * time.Hour)
	if value := r.URL.Query().Get("from"); value != "" {
		if from, err = parseTime("from", value); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if value := r.URL.Query().Get("to"); value != "" {
		if to, err = parseTime("to", value); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if !to.After(from) {
		h.writeError(w, r, fmt.Errorf("%w: to must be after from", errBadRequest))
		return
	}
	if to.Sub(from) > maxExportRange {
		h.writeError(w, r, fmt.Errorf("%w: export range is limited to 93 days", errBadRequest))
		return
	}
	if err := auth.EnsureTenant(r.Context(), tenantID); err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.notifications.ListForExport(r.Context(), tenantID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := BuildDeliveryExportXLSX(tenantID, list, from, to)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("render export: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"notifications-%s-%s.xlsx\"",
		from.Format("20060102"), to.Format("20060102")))
	_, _ = w.Write(data)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in alarmapp.RuleInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.config.CreateRule(r.Context(), tenantID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := newRuleResponse(*rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) validateRule(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in alarmapp.RuleInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	err = h.config.ValidateRule(tenantID, in)
	if err == nil {
		writeJSON(w, http.StatusOK, validationResponse{Valid: true})
		return
	}
	var cfgErr *alarms.ConfigurationError
	if !errors.As(err, &cfgErr) {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validationResponse{Valid: false, Field: cfgErr.Field, Error: cfgErr.Reason})
}

func (h *Handler) bindChannels(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body struct {
		ChannelIDs []string `json:"channel_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.config.BindChannels(r.Context(), tenantID, chi.URLParam(r, "ruleID"), body.ChannelIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in alarmapp.ChannelInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	channel, err := h.config.CreateChannel(r.Context(), tenantID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newChannelResponse(*channel))
}

func (h *Handler) savePreferences(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantOf(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var prefs alarms.Preferences
	if err := decodeBody(r, &prefs); err != nil {
		h.writeError(w, r, err)
		return
	}
	prefs.TenantID = tenantID
	// Callers edit their own preferences; user_id in the body only counts for unauthenticated internal use.
	if subject := auth.SubjectFromContext(r.Context()); subject != "" {
		prefs.UserID = subject
	}
	saved, err := h.config.SavePreferences(r.Context(), prefs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// tenantOf prefers the authenticated tenant; the query parameter serves deployments without JWT auth.
func tenantOf(r *http.Request) (string, error) {
	if tenantID := auth.TenantIDFromContext(r.Context()); tenantID != "" {
		return tenantID, nil
	}
	if tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id")); tenantID != "" {
		return tenantID, nil
	}
	return "", errMissingTenant
}

func parseAlarmFilter(r *http.Request) (alarms.AlarmFilter, error) {
	q := r.URL.Query()
	filter := alarms.AlarmFilter{DeviceID: strings.TrimSpace(q.Get("device_id"))}
	if value := q.Get("status"); value != "" {
		status := alarms.Status(strings.ToUpper(value))
		if !status.Valid() {
			return filter, fmt.Errorf("%w: unknown status %q", errBadRequest, value)
		}
		filter.Status = status
	}
	if value := q.Get("severity"); value != "" {
		severity, ok := alarms.ParseSeverity(value)
		if !ok {
			return filter, fmt.Errorf("%w: unknown severity %q", errBadRequest, value)
		}
		filter.Severity = severity
	}
	var err error
	if value := q.Get("from"); value != "" {
		if filter.From, err = parseTime("from", value); err != nil {
			return filter, err
		}
	}
	if value := q.Get("to"); value != "" {
		if filter.To, err = parseTime("to", value); err != nil {
			return filter, err
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, fmt.Errorf("%w: to must be after from", errBadRequest)
	}
	if value := q.Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseTime(key, value string) (time.Time, error) {
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", errBadRequest, key)
	}
	return parsed.UTC(), nil
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json body: %v", errBadRequest, err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps service errors to status codes. Unexpected errors are logged and hidden.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *alarms.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: cfgErr.Reason, Field: cfgErr.Field})
	case errors.Is(err, errMissingTenant), errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, auth.ErrTenantMismatch), errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, alarms.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, alarms.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "alarm already cleared"})
	case errors.Is(err, alarms.ErrStaleState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "alarm changed concurrently, retry"})
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
