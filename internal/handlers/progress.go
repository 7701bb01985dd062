package handlers

import (
	"bufio"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/wpbackup/fleet/internal/progressstore"
)

// ProgressHandler streams a site's live backup progress over SSE
// (spec §4.3, §6.3 GET /sites/{id}/backup/stream). Grounded on the teacher's
// fmt.Fprintf(c, "data: ...\n\n") SSE idiom (reseller_branding.go), adapted
// to a real incremental stream via fasthttp's SetBodyStreamWriter since the
// teacher's own usage writes synchronously to completion rather than
// pushing events as they occur over time.
type ProgressHandler struct{}

func NewProgressHandler() *ProgressHandler { return &ProgressHandler{} }

// Stream subscribes to the site's progress store and relays every update as
// an SSE "data:" frame until the job reaches a terminal state or the client
// disconnects. Between changes it also re-sends the current row on a tick
// (15s by default, or the interval query param in seconds).
func (h *ProgressHandler) Stream(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}

	// interval is clamped to [1,60] seconds rather than falling back to a
	// default on out-of-range input (spec §8 boundary behaviour).
	heartbeat := 15 * time.Second
	if raw := c.Query("interval"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			n = 1
		}
		switch {
		case n < 1:
			n = 1
		case n > 60:
			n = 60
		}
		heartbeat = time.Duration(n) * time.Second
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, cancel := progressstore.Default().Subscribe(site.ID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case row, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(row)
				if err != nil {
					return
				}
				if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
				if row.State != "RUNNING" && row.State != "IDLE" {
					return
				}
			case <-ticker.C:
				// Re-send the current row rather than a bare comment, so a
				// subscriber relying on the tick for periodic delivery still
				// gets a parsable frame during long stretches with no state
				// change (spec §4.3: "on change or on tick, whichever comes
				// first").
				data, err := json.Marshal(progressstore.Default().Snapshot(site.ID))
				if err != nil {
					return
				}
				if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}
