// Package api exposes the delivery core over HTTP: submit signed
// transactions, cancel resubmission, stream status events.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"txrelay/internal/broadcast"
	"txrelay/internal/delivery"
	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/sequence"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Delivery is the part of delivery.Service the API drives.
type Delivery interface {
	Send(ctx context.Context, req delivery.Request) (string, error)
	SendSequence(ctx context.Context, steps []sequence.Step, cb sequence.Callbacks) (sequence.Result, error)
	Cancel(id string)
}

type Deps struct {
	Delivery Delivery
	Bus      *eventbus.Bus
	Metrics  *metrics.Metrics
	// Supervisor hosts sequences, which outlive the submitting request.
	Supervisor *supervisor.Supervisor
	// EventBuffer is the per-client stream buffer. Default 64.
	EventBuffer int
	// Heartbeat is the idle interval between stream keepalive comments.
	// Default 15s.
	Heartbeat time.Duration
	Log       logx.Logger
}

type submitRequest struct {
	Transactions []string `json:"transactions"`
	Labels       []string `json:"labels,omitempty"`
}

type submitResponse struct {
	ID         string   `json:"id,omitempty"`
	SequenceID string   `json:"sequence_id,omitempty"`
	IDs        []string `json:"ids,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	d     Deps
	token string
	log   logx.Logger
}

// NewHandler builds the API mux. A non-empty token is required on every
// route except /healthz.
func NewHandler(d Deps, token string) http.Handler {
	if d.EventBuffer <= 0 {
		d.EventBuffer = 64
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Supervisor == nil {
		d.Supervisor = supervisor.New(context.Background(), supervisor.WithLogger(d.Log))
	}
	h := &handler{d: d, token: strings.TrimSpace(token), log: d.Log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", h.auth(d.Metrics.Handler().ServeHTTP))
	mux.Handle("POST /v1/transactions", h.auth(h.submit))
	mux.Handle("DELETE /v1/transactions/{id}", h.auth(h.cancel))
	mux.Handle("GET /v1/events", h.auth(h.events))
	return mux
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if len(req.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("transactions is empty"))
		return
	}
	if len(req.Labels) > 0 && len(req.Labels) != len(req.Transactions) {
		writeError(w, http.StatusBadRequest, errors.New("labels must match transactions"))
		return
	}

	steps := make([]sequence.Step, len(req.Transactions))
	for i, raw := range req.Transactions {
		tx, err := txn.DecodeBase64(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("transaction %d: %w", i, err))
			return
		}
		steps[i] = sequence.Step{Tx: tx}
		if len(req.Labels) > 0 {
			steps[i].Label = req.Labels[i]
		}
	}

	if len(steps) == 1 {
		id, err := h.d.Delivery.Send(r.Context(), delivery.Request{Tx: steps[0].Tx, Label: steps[0].Label})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
		return
	}
	h.submitSequence(w, r, steps)
}

// submitSequence starts the sequence in the background and answers once the
// first step was sent, or with the error that prevented it.
func (h *handler) submitSequence(w http.ResponseWriter, r *http.Request, steps []sequence.Step) {
	started := make(chan string, 1)
	sent := make(chan struct{})
	errc := make(chan error, 1)

	h.d.Supervisor.Go("api.sequence", func(ctx context.Context) error {
		res, err := h.d.Delivery.SendSequence(ctx, steps, sequence.Callbacks{
			OnStart: func(id string) { started <- id },
			OnSent:  func() { close(sent) },
		})
		if err != nil {
			errc <- err
			return nil
		}
		h.log.Debug("sequence finished", logx.String("seq", res.SequenceID), logx.Bool("failed", res.Failed))
		return nil
	})

	select {
	case <-sent:
	case err := <-errc:
		writeError(w, statusFor(err), err)
		return
	case <-r.Context().Done():
		return
	}

	ids := make([]string, len(steps))
	for i, st := range steps {
		ids[i] = st.Tx.ID
	}
	writeJSON(w, http.StatusAccepted, submitResponse{SequenceID: <-started, IDs: ids})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, broadcast.ErrNoID)
		return
	}
	h.d.Delivery.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrAlreadyFinal):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrNoID),
		errors.Is(err, sequence.ErrEmpty),
		errors.Is(err, sequence.ErrPrecondition):
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrNoTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// auth accepts "Authorization: Bearer <token>" or "?token=<token>"; the
// query form exists for EventSource clients, which cannot set headers.
func (h *handler) auth(next http.HandlerFunc) http.Handler {
	if h.token == "" {
		return next
	}
	want := []byte(h.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
