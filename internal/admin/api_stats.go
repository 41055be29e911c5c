package admin

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/metrics"
	"github.com/inkdust2021/passage/internal/version"
)

// StatsResponse represents the stats API response
type StatsResponse struct {
	Proxy struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		ListenAddress string `json:"listen_address"`
		Target        string `json:"target"`
		HTTPS         bool   `json:"https"`
	} `json:"proxy"`
	Counters struct {
		Requests int64 `json:"requests"`
		Tunnels  int64 `json:"tunnels"`
		Fetches  int64 `json:"fetches"`
	} `json:"counters"`
}

func (a *Admin) stats() StatsResponse {
	cfg := a.config.Get()

	var resp StatsResponse
	resp.Proxy.Status = "running"
	resp.Proxy.Version = version.Version
	resp.Proxy.ListenAddress = cfg.ListenAddr()
	resp.Proxy.Target = cfg.Proxy.Target
	resp.Proxy.HTTPS = cfg.Proxy.HTTPS
	if !a.started.IsZero() {
		resp.Proxy.UptimeSeconds = int64(time.Since(a.started).Seconds())
	}

	if a.metrics != nil {
		resp.Counters.Requests = int64(a.metrics.Sum(metrics.NameRequestsTotal))
		resp.Counters.Tunnels = int64(a.metrics.Sum(metrics.NameTunnelsTotal))
		resp.Counters.Fetches = int64(a.metrics.Sum(metrics.NameFetchTotal))
	}
	return resp
}

// handleStats returns current statistics
func (a *Admin) handleStats(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, a.stats())
}
