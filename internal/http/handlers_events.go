package http

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"geoaudit/internal/model"
)

// eventsHandler streams an audit's progress as server-sent events. The
// first event is always a snapshot of the current state, so a client
// that connects late still learns where the audit stands; a terminal
// snapshot ends the stream immediately.
func (s *Server) eventsHandler(c *fiber.Ctx) error {
	id, err := auditID(c)
	if err != nil {
		return badRequest(c, "BAD_REQUEST", "invalid audit id")
	}
	audit, err := s.store.GetAudit(c.Context(), id)
	if err != nil {
		return failWith(c, err)
	}

	// Subscribe before reading the snapshot so no event can fall into
	// the gap between the two.
	ch, cancel := s.manager.Subscribe(id)

	snapshot := model.ProgressEvent{
		AuditID:   audit.ID,
		Stage:     audit.Stage,
		Progress:  audit.Progress,
		Status:    audit.Status,
		Message:   audit.Error,
		Timestamp: audit.CreatedAt,
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		if err := writeEvent(w, "snapshot", snapshot); err != nil {
			return
		}
		if snapshot.Status.Terminal() {
			return
		}
		for ev := range ch {
			name := "progress"
			if ev.Stage == "heartbeat" {
				name = "heartbeat"
			}
			if err := writeEvent(w, name, ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				return
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, name string, ev model.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, name, payload); err != nil {
		return err
	}
	return w.Flush()
}
