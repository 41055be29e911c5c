package config

import (
	"strings"
	"unicode"
)

// SanitizeValue 清理用户输入的配置值：
// - 去除前后空白
// - 移除不可见控制字符/格式字符（如 0x1F、BOM、零宽字符等）
//
// 目的：避免“看起来一样但实际不匹配”的隐形字符导致配置不生效。
func SanitizeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		// C0 控制字符与 DEL
		if r < 0x20 || r == 0x7f {
			continue
		}
		// 其他控制/格式字符（包含常见零宽字符、BOM 等）
		if unicode.IsControl(r) || unicode.In(r, unicode.Cf) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// SanitizePath 规范化 URL 路径配置：去除不可见字符、确保以 '/' 开头、去掉末尾 '/'。
// 空结果返回 fallback。
func SanitizePath(s, fallback string) string {
	s = SanitizeValue(s)
	s = strings.TrimRight(s, "/")
	if s == "" {
		return fallback
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// SanitizeTrackingParams 去重并丢弃空项，保持原有顺序。参数名区分大小写，不做转换。
func SanitizeTrackingParams(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		p = SanitizeValue(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func sanitizeLoadedConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	// Proxy
	cfg.Proxy.Host = SanitizeValue(cfg.Proxy.Host)
	if cfg.Proxy.Port <= 0 || cfg.Proxy.Port > 65535 {
		cfg.Proxy.Port = DefaultPort
	}
	cfg.Proxy.Target = SanitizeValue(cfg.Proxy.Target)
	if cfg.Proxy.Target == "" {
		cfg.Proxy.Target = DefaultTarget
	}
	cfg.Proxy.CertFile = SanitizeValue(cfg.Proxy.CertFile)
	cfg.Proxy.KeyFile = SanitizeValue(cfg.Proxy.KeyFile)

	// Rewrite
	cfg.Rewrite.EntryPath = SanitizePath(cfg.Rewrite.EntryPath, DefaultEntryPath)
	if cfg.Rewrite.MaxHTMLBytes <= 0 {
		cfg.Rewrite.MaxHTMLBytes = DefaultMaxHTMLBytes
	}
	cfg.Rewrite.TrackingParams = SanitizeTrackingParams(cfg.Rewrite.TrackingParams)

	// Upstream
	cfg.Upstream.DialTimeout = SanitizeValue(cfg.Upstream.DialTimeout)
	cfg.Upstream.SOCKS5 = SanitizeValue(cfg.Upstream.SOCKS5)

	// Log
	cfg.Log.Level = strings.ToLower(SanitizeValue(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(SanitizeValue(cfg.Log.Format))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}
	cfg.Log.File = SanitizeValue(cfg.Log.File)

	// Metrics
	cfg.Metrics.Path = SanitizePath(cfg.Metrics.Path, DefaultMetricsPath)
}
