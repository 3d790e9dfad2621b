// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/metrics"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/services/gateway"
	"github.com/tune23wb/sms-panel/internal/app/services/idempotency"
	"github.com/tune23wb/sms-panel/internal/app/services/tracker"
	"github.com/tune23wb/sms-panel/internal/app/storage"
	"github.com/tune23wb/sms-panel/internal/middleware"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// Gateway is the façade the handlers call.
type Gateway interface {
	Send(ctx context.Context, req gateway.SendRequest) (gateway.SendResult, error)
	Status(ctx context.Context, id string) (message.Message, error)
	Receipt(ctx context.Context, receipt message.Receipt) error
	Health() gateway.HealthReport
}

// EventSource feeds the live event endpoints.
type EventSource interface {
	SubscribeFiltered(filter events.Filter, handler events.Handler) func()
	Recent(n int) []events.Event
}

// Config tunes the HTTP surface. InsecureCallbacks accepts unauthenticated
// receipts when no callback token is set.
type Config struct {
	CallbackTokens    []string
	InsecureCallbacks bool
	RateLimit         float64
	RateBurst         int
	CORSOrigins       []string
	// Done stops background work such as rate limiter pruning.
	Done <-chan struct{}
}

// IdempotencyHeader carries the client's idempotency key on sends.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxBodyBytes = 64 << 10
	limiterIdle  = 10 * time.Minute
)

type handler struct {
	gateway Gateway
	events  EventSource
	log     *logger.Logger
}

// NewHandler returns the router with middleware applied.
func NewHandler(gw Gateway, evts EventSource, cfg Config, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{gateway: gw, events: evts, log: log}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	sendHandler := http.Handler(http.HandlerFunc(h.sendMessage))
	if cfg.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log.WithComponent("ratelimit"))
		if cfg.Done != nil {
			limiter.StartCleanup(limiterIdle, cfg.Done)
		}
		sendHandler = limiter.Handler(sendHandler)
	}
	api.Handle("/messages", sendHandler).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", h.getMessage).Methods(http.MethodGet)
	api.Handle("/receipts", middleware.NewBearerAuth(cfg.CallbackTokens, log.WithComponent("auth")).AllowAnonymous(cfg.InsecureCallbacks).Handler(http.HandlerFunc(h.receipt))).
		Methods(http.MethodPost)
	if evts != nil {
		api.HandleFunc("/events", h.streamEvents).Methods(http.MethodGet)
		api.HandleFunc("/events/recent", h.recentEvents).Methods(http.MethodGet)
	}

	var root http.Handler = router
	if len(cfg.CORSOrigins) > 0 {
		root = middleware.NewCORSMiddleware(cfg.CORSOrigins).Handler(root)
	}
	root = middleware.NewRequestLogger(log.WithComponent("http")).Handler(root)
	return metrics.InstrumentHandler(root)
}

type sendPayload struct {
	AccountID     string `json:"account_id"`
	Destination   string `json:"destination"`
	Content       string `json:"content"`
	Message       string `json:"message"`
	SourceAddress string `json:"source_address"`
	SourceAddr    string `json:"source_addr"`
}

type sendResponse struct {
	gateway.SendResult
	Error string `json:"error,omitempty"`
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var payload sendPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := gateway.SendRequest{
		AccountID:      firstNonEmpty(payload.AccountID, r.Header.Get(middleware.AccountHeader)),
		Destination:    payload.Destination,
		Content:        firstNonEmpty(payload.Content, payload.Message),
		SourceAddress:  firstNonEmpty(payload.SourceAddress, payload.SourceAddr),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	}

	result, err := h.gateway.Send(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, sendResponse{SendResult: result})
	case errors.Is(err, message.ErrTimeout):
		writeJSON(w, http.StatusAccepted, sendResponse{SendResult: result, Error: "timeout"})
	default:
		h.fail(w, r, err)
	}
}

func (h *handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.gateway.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageView(msg))
}

func (h *handler) receipt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receipt, err := parseReceipt(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = h.gateway.Receipt(r.Context(), receipt)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"matched": true})
	case errors.Is(err, tracker.ErrUnmatchedReceipt):
		writeJSON(w, http.StatusAccepted, map[string]any{"matched": false})
	default:
		h.fail(w, r, err)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.gateway.Health()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	list := h.events.Recent(limit)
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithField("request_id", middleware.RequestID(r.Context())).WithError(err).Error("request failed")
	}
	writeError(w, status, err)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var verr *gateway.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRequestInFlight):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, idempotency.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type messageView struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Destination   string         `json:"destination"`
	SourceAddress string         `json:"source_address,omitempty"`
	Status        message.Status `json:"status"`
	Cost          int64          `json:"cost"`
	ProviderID    string         `json:"provider_id,omitempty"`
	Attempts      int            `json:"attempts"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	SentAt        string         `json:"sent_at,omitempty"`
	ResolvedAt    string         `json:"resolved_at,omitempty"`
}

func toMessageView(msg message.Message) messageView {
	const layout = "2006-01-02T15:04:05.000Z07:00"
	view := messageView{
		ID:            msg.ID,
		AccountID:     msg.AccountID,
		Destination:   msg.Destination,
		SourceAddress: msg.SourceAddress,
		Status:        msg.Status,
		Cost:          msg.Cost,
		ProviderID:    msg.ProviderID,
		Attempts:      msg.Attempts,
		FailureReason: msg.FailureReason,
		CreatedAt:     msg.CreatedAt.Format(layout),
		UpdatedAt:     msg.UpdatedAt.Format(layout),
	}
	if msg.SentAt != nil {
		view.SentAt = msg.SentAt.Format(layout)
	}
	if msg.ResolvedAt != nil {
		view.ResolvedAt = msg.ResolvedAt.Format(layout)
	}
	return view
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
