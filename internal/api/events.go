package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hts-nas/nasgate/internal/auth"
	"github.com/hts-nas/nasgate/internal/events"
	"github.com/hts-nas/nasgate/internal/logging"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	account := auth.GetAccount(r.Context())
	logging.Info("event stream opened", zap.String("username", account.Username))
	defer logging.Info("event stream closed", zap.String("username", account.Username))

	heartbeat := time.NewTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment line keeps idle connections alive through proxies.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				// The broadcaster evicted this subscriber for falling
				// behind. The client reconnects and starts fresh.
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Action, data)
			flusher.Flush()
		}
	}
}
