package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/canon"
	"github.com/inkdust2021/passage/internal/config"
)

const maxConfigBody = 64 << 10

// MsgConfigUpdated is the body of a successful POST /api/config.
const MsgConfigUpdated = "configuration updated (port/https changes require a restart)"

// ConfigResponse is the GET /api/config payload.
type ConfigResponse struct {
	Target    string `json:"target"`
	Port      int    `json:"port"`
	HTTPS     bool   `json:"https"`
	EntryPath string `json:"entry_path"`
}

// ConfigRequest is the POST /api/config payload. Absent or empty fields are left alone.
type ConfigRequest struct {
	Target string   `json:"target"`
	Port   flexPort `json:"port"`
	HTTPS  *bool    `json:"https"`
}

// flexPort accepts 8080 as well as "8080"; the dashboard form posts strings.
type flexPort int

func (p *flexPort) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*p = flexPort(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = flexPort(n)
	return nil
}

func (a *Admin) handleGetConfig(c echo.Context) error {
	cfg := a.config.Get()
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, ConfigResponse{
		Target:    cfg.Proxy.Target,
		Port:      cfg.Proxy.Port,
		HTTPS:     cfg.Proxy.HTTPS,
		EntryPath: cfg.Rewrite.EntryPath,
	})
}

func (a *Admin) handlePostConfig(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxConfigBody+1))
	if err != nil {
		return c.String(http.StatusBadRequest, "invalid JSON")
	}
	if len(body) > maxConfigBody {
		return c.String(http.StatusRequestEntityTooLarge, "request body too large")
	}

	var req ConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid JSON")
	}

	target := strings.TrimSpace(req.Target)
	if target != "" {
		if _, err := canon.Target(target); err != nil {
			return c.String(http.StatusBadRequest, "invalid target: "+err.Error())
		}
	}
	if req.Port != 0 && (req.Port < 1 || req.Port > 65535) {
		return c.String(http.StatusBadRequest, "invalid port")
	}

	err = a.config.Update(func(cfg *config.Config) {
		if target != "" {
			cfg.Proxy.Target = target
		}
		if req.Port != 0 {
			cfg.Proxy.Port = int(req.Port)
		}
		if req.HTTPS != nil {
			cfg.Proxy.HTTPS = *req.HTTPS
		}
	})
	if err != nil {
		a.logger.Error("config update failed", "err", err)
		return c.String(http.StatusInternalServerError, "failed to save configuration")
	}

	cfg := a.config.Get()
	a.logger.Info("config changed", "target", cfg.Proxy.Target, "port", cfg.Proxy.Port, "https", cfg.Proxy.HTTPS)
	return c.String(http.StatusOK, MsgConfigUpdated)
}

var errNoProber = errors.New("no upstream prober configured")

// TestResponse is the GET /api/test payload. Status is omitted when the probe failed.
type TestResponse struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *Admin) handleTest(c echo.Context) error {
	target := a.config.Get().Proxy.Target

	var (
		status int
		err    = errNoProber
	)
	if a.prober != nil {
		status, err = a.prober.Probe(c.Request().Context(), target)
	}
	if err != nil {
		a.logger.Warn("connectivity test failed", "target", target, "err", err)
		return c.JSON(http.StatusOK, TestResponse{OK: false, Error: err.Error()})
	}
	a.logger.Info("connectivity test", "target", target, "status", status)
	return c.JSON(http.StatusOK, TestResponse{OK: true, Status: status})
}
