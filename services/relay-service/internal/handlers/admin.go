package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/httpx"
	"github.com/md-rashed-zaman/msgcore/libs/outbox"
)

// Relay is the operator surface of one module's relay.
type Relay interface {
	DeadLetters(ctx context.Context, limit int) ([]outbox.Message, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (outbox.Stats, error)
}

var _ Relay = (*outbox.Relay)(nil)

type Admin struct {
	relays map[string]Relay
	token  string
	logger *slog.Logger
}

// NewAdmin serves relays to callers presenting token as a bearer token.
func NewAdmin(relays map[string]Relay, token string, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{relays: relays, token: strings.TrimSpace(token), logger: logger}
}

// Register mounts the admin routes on mux behind the bearer token check and
// mw. Without a token nothing is mounted and Register reports false.
func (h *Admin) Register(mux *http.ServeMux, mw ...httpx.Middleware) bool {
	if h.token == "" {
		h.logger.Warn("admin token is empty, outbox admin routes are disabled")
		return false
	}
	mw = append([]httpx.Middleware{httpx.WithBearerToken(h.token)}, mw...)
	mux.Handle("GET /admin/outbox/stats", httpx.Chain(http.HandlerFunc(h.Stats), mw...))
	mux.Handle("GET /admin/outbox/dead", httpx.Chain(http.HandlerFunc(h.ListDead), mw...))
	mux.Handle("POST /admin/outbox/dead/{id}/requeue", httpx.Chain(http.HandlerFunc(h.Requeue), mw...))
	return true
}

type deadMessage struct {
	ID            string          `json:"id"`
	Module        string          `json:"module"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

func (h *Admin) ListDead(w http.ResponseWriter, r *http.Request) {
	module, relay, ok := h.relayFor(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	msgs, err := relay.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead outbox messages failed", "module", module, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]deadMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, deadMessage{
			ID:            m.ID.String(),
			Module:        m.Module,
			AggregateType: m.AggregateType,
			AggregateID:   m.AggregateID,
			EventType:     m.EventType,
			Payload:       m.Payload,
			CreatedAt:     m.CreatedAt,
			RetryCount:    m.RetryCount,
			ErrorMessage:  m.ErrorMessage,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"module": module, "messages": out})
}

func (h *Admin) Requeue(w http.ResponseWriter, r *http.Request) {
	module, relay, ok := h.relayFor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	switch err := relay.Requeue(r.Context(), id); {
	case errors.Is(err, outbox.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "message not found or already processed")
	case err != nil:
		h.logger.Error("requeue outbox message failed", "module", module, "event_id", id.String(), "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "requeue failed")
	default:
		h.logger.Info("outbox message requeued by operator",
			"module", module,
			"event_id", id.String(),
			"request_id", httpx.RequestIDFromContext(r.Context()),
		)
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "id": id.String()})
	}
}

type moduleStats struct {
	Module  string `json:"module"`
	Pending int    `json:"pending"`
	Dead    int    `json:"dead"`
}

func (h *Admin) Stats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.relays))
	for name := range h.relays {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]moduleStats, 0, len(names))
	for _, name := range names {
		st, err := h.relays[name].Stats(r.Context())
		if err != nil {
			h.logger.Error("outbox stats failed", "module", name, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "stats failed")
			return
		}
		out = append(out, moduleStats{Module: name, Pending: st.Pending, Dead: st.Dead})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// relayFor resolves the ?module= parameter. It may be omitted when only one
// module is relayed.
func (h *Admin) relayFor(w http.ResponseWriter, r *http.Request) (string, Relay, bool) {
	module := strings.TrimSpace(r.URL.Query().Get("module"))
	if module == "" && len(h.relays) == 1 {
		for name := range h.relays {
			module = name
		}
	}
	if module == "" {
		httpx.WriteError(w, http.StatusBadRequest, "module is required")
		return "", nil, false
	}
	relay, ok := h.relays[module]
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "unknown module")
		return "", nil, false
	}
	return module, relay, true
}
