package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"txrelay/internal/eventbus"
	logx "txrelay/pkg/logx"
)

// events streams bus events as server-sent events.
//
// Query parameters:
//   - topic: "tx", "sequence" or empty for both
//   - terminal=1: only terminal events
//
// A slow client loses events rather than slowing publishers down.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	if h.d.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event bus unavailable"))
		return
	}

	var topics []eventbus.Topic
	switch t := strings.TrimSpace(r.URL.Query().Get("topic")); t {
	case "":
		topics = []eventbus.Topic{eventbus.TopicTx, eventbus.TopicSequence}
	case string(eventbus.TopicTx), string(eventbus.TopicSequence):
		topics = []eventbus.Topic{eventbus.Topic(t)}
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown topic %q", t))
		return
	}
	var filter eventbus.Predicate
	if r.URL.Query().Get("terminal") == "1" {
		filter = eventbus.Terminal
	}

	// One channel for both topics keeps publish order across them.
	out := make(chan eventbus.Event, h.d.EventBuffer)
	var subs []eventbus.Subscription
	var dropped atomic.Int64
	for _, t := range topics {
		subs = append(subs, h.d.Bus.Subscribe(t, func(e eventbus.Event) {
			select {
			case out <- e:
			default:
				dropped.Add(1)
			}
		}, filter))
	}
	defer func() {
		for _, s := range subs {
			h.d.Bus.Unsubscribe(s)
		}
		if n := dropped.Load(); n > 0 {
			h.log.Debug("event stream dropped events", logx.Int64("dropped", n))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	hb := time.NewTicker(h.d.Heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			fl.Flush()
		case e := <-out:
			b, err := json.Marshal(e)
			if err != nil {
				h.log.Warn("event encode failed", logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Topic(), b); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
