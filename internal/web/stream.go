package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lucasnoah/agentfactory/internal/phase"
)

// handleStream serves a Server-Sent Events stream of a pipeline's state. It
// polls the state file and sends a "state" event whenever updated_at changes.
// Once the pipeline reaches a terminal state it sends a "done" event.
func (s *Server) handleStream(c echo.Context) error {
	ps, err := s.load(c)
	if err != nil {
		return err
	}
	id := ps.PipelineID

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		w.Flush()
		return nil
	}
	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		w.Flush()
	}

	tick := time.NewTicker(s.poll)
	defer tick.Stop()
	last := ""
	ctx := c.Request().Context()
	for {
		if ps.UpdatedAt != last {
			last = ps.UpdatedAt
			if err := send("state", toRow(ps)); err != nil {
				return err
			}
		}
		if phase.IsTerminal(phase.State(ps.CurrentState)) {
			sendDone(ps.CurrentState)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if ps, err = s.store.Load(id); err != nil {
			sendDone("pipeline not found")
			return nil
		}
	}
}
