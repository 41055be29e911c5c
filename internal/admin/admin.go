// Package admin serves the dashboard and the control-plane API that sit next to the
// proxy on the same listener.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkdust2021/passage/internal/config"
	plog "github.com/inkdust2021/passage/internal/log"
	"github.com/inkdust2021/passage/internal/metrics"
)

// Prober checks that an upstream answers, returning its status code.
type Prober interface {
	Probe(ctx context.Context, target string) (int, error)
}

// Admin handles the dashboard and /api/* endpoints.
type Admin struct {
	config  *config.Manager
	ring    *plog.Ring
	metrics *metrics.Metrics
	prober  Prober
	logger  *slog.Logger
	started time.Time

	exposition http.Handler
}

// New creates an Admin. metrics and prober may be nil; the matching endpoints then
// report zero counters and a failed probe.
func New(cfg *config.Manager, ring *plog.Ring, m *metrics.Metrics, prober Prober, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	if ring == nil {
		ring = plog.NewRing(plog.DefaultRingSize)
	}
	a := &Admin{
		config:  cfg,
		ring:    ring,
		metrics: m,
		prober:  prober,
		logger:  logger.With("component", "admin"),
		started: time.Now(),
	}
	if m != nil {
		a.exposition = promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	}
	return a
}

// SetStartTime records when the proxy started listening.
func (a *Admin) SetStartTime(t time.Time) {
	a.started = t
}
