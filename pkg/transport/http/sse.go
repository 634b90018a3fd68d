package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/events"
)

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// start sends the stream headers.
func (s *sseWriter) start() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	return s.rc.Flush()
}

// writeEvent sends one event in the format:
//
//	event: {path} {name}\n
//	data: {json}\n
//	\n
func (s *sseWriter) writeEvent(ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Topic(), data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// handleEvents handles GET /events. Repeated ?service= parameters restrict
// the stream to those services.
func (a *Adapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel := a.config.Events.Subscribe(r.URL.Query()["service"]...)
	defer cancel()

	sw := newSSEWriter(w)
	if err := sw.start(); err != nil {
		debug.Log("transport", "event stream unsupported", "error", err)
		return
	}
	debug.Log("transport", "event stream opened", "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(a.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			debug.Log("transport", "event stream closed", "remote_addr", r.RemoteAddr)
			return
		case <-a.closing:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sw.heartbeat(); err != nil {
				return
			}
		}
	}
}
