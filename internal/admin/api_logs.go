package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// handleLogs handles GET /api/logs: the in-memory ring, one line per entry.
func (a *Admin) handleLogs(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.String(http.StatusOK, a.ring.Text())
}

// handleLogsStream handles GET /api/logs/stream?tail=100.
// It sends the current tail as "logs_init" and then one "logs_append" per new entry.
func (a *Admin) handleLogsStream(c echo.Context) error {
	tail := 100
	if v, err := strconv.Atoi(c.QueryParam("tail")); err == nil && v > 0 {
		tail = v
	}

	// 先订阅再取快照，避免两者之间的日志丢失（可能重复一条，前端可接受）。
	ch, cancel := a.ring.Subscribe(64)
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	entries := a.ring.List(tail)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	if err := send("logs_init", map[string]any{"lines": lines}); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send("logs_append", map[string]any{"lines": []string{e.String()}}); err != nil {
				return nil
			}
		}
	}
}
