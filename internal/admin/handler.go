package admin

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/config"
)

//go:embed static
var staticFS embed.FS

// Paths reserved for the dashboard and API; everything else belongs to the proxy.
const (
	PathRoot      = "/"
	PathDashboard = "/dashboard"
	PublicPrefix  = "/public/"
	APIPrefix     = "/api/"
	PathHealth    = "/healthz"
)

// ContextKeyConfig is the echo context key holding the configuration snapshot taken
// for the request. Handlers fall back to a fresh snapshot when it is absent.
const ContextKeyConfig = "passage.config"

// MetricsPath returns the path the exposition is served on under cfg, or "" when
// metrics are disabled.
func MetricsPath(cfg config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Path
}

// IsLocalPath reports whether path is served by Register rather than proxied.
// entryPath is excluded so the fetch-rewrite entry under /api/ keeps working.
func IsLocalPath(path, entryPath, metricsPath string) bool {
	switch {
	case path == entryPath:
		return false
	case path == PathRoot, path == PathDashboard, path == PathHealth:
		return true
	case strings.HasPrefix(path, PublicPrefix), strings.HasPrefix(path, APIPrefix):
		return true
	case metricsPath != "" && path == metricsPath:
		return true
	}
	return false
}

// Register wires the dashboard, API and metrics routes onto e.
func (a *Admin) Register(e *echo.Echo) {
	e.GET(PathRoot, a.handleIndex)
	e.GET(PathDashboard, a.handleIndex)
	e.GET(PublicPrefix+"*", a.handlePublic)
	e.GET(PathHealth, a.handleHealth)

	e.GET("/api/config", a.handleGetConfig)
	e.POST("/api/config", a.handlePostConfig)
	e.GET("/api/logs", a.handleLogs)
	e.GET("/api/logs/stream", a.handleLogsStream)
	e.GET("/api/test", a.handleTest)
	e.GET("/api/stats", a.handleStats)

	// metrics.path can change on reload, so it is matched per request instead of
	// being registered as a route.
	e.RouteNotFound("/*", a.handleMetrics)
}

// snapshot returns the configuration the request was dispatched with.
func (a *Admin) snapshot(c echo.Context) config.Config {
	if cfg, ok := c.Get(ContextKeyConfig).(config.Config); ok {
		return cfg
	}
	return a.config.Get()
}

func (a *Admin) handleMetrics(c echo.Context) error {
	r := c.Request()
	path := MetricsPath(a.snapshot(c))
	if a.exposition == nil || path == "" || r.URL.Path != path {
		return echo.ErrNotFound
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return echo.ErrMethodNotAllowed
	}
	a.exposition.ServeHTTP(c.Response(), r)
	return nil
}

func (a *Admin) handleIndex(c echo.Context) error {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		a.logger.Error("dashboard missing", "err", err)
		return echo.NewHTTPError(http.StatusNotFound)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTMLBlob(http.StatusOK, data)
}

func (a *Admin) handlePublic(c echo.Context) error {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return err
	}
	name := strings.TrimPrefix(c.Param("*"), "/")
	if name == "" || strings.Contains(name, "..") {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if _, err := fs.Stat(sub, name); err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	return echo.StaticFileHandler(name, sub)(c)
}

func (a *Admin) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
