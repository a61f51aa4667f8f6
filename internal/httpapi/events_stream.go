package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/insiderwatch/pipeline/internal/events"
)

var streamedEventTypes = []events.EventType{
	events.JobEnqueued,
	events.JobStarted,
	events.JobProgress,
	events.JobCompleted,
	events.JobDeferred,
	events.JobFailed,
	events.ClusterDetected,
	events.AIJudgmentReady,
	events.SystemStatusChanged,
	events.ErrorOccurred,
}

// handleEventsStream upgrades to a websocket and forwards every event
// the bus emits for the connection's lifetime. Bus has no unsubscribe,
// so each handler checks a closed flag and becomes a no-op once the
// connection ends rather than leaking writes to a dead socket.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("events stream accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	var closed atomic.Bool
	msgs := make(chan *events.Event, 64)

	for _, typ := range streamedEventTypes {
		s.cfg.Bus.Subscribe(typ, func(ev *events.Event) {
			if closed.Load() {
				return
			}
			select {
			case msgs <- ev:
			default:
				s.log.Warn().Str("event_type", string(ev.Type)).Msg("events stream consumer too slow, dropping message")
			}
		})
	}
	defer closed.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-msgs:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
