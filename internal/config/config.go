package config

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Rewrite  RewriteConfig  `yaml:"rewrite"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ProxyConfig holds listener settings and the dashboard's current target.
type ProxyConfig struct {
	Host string `yaml:"host"`
	// Port 与 HTTPS 变更需要重启才能生效。
	Port   int    `yaml:"port"`
	Target string `yaml:"target"`
	HTTPS  bool   `yaml:"https"`
	// CertFile/KeyFile 为空时自动在配置目录生成自签名证书。
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RewriteConfig controls the fetch-rewrite engine.
type RewriteConfig struct {
	EntryPath             string   `yaml:"entry_path"`
	MaxHTMLBytes          int64    `yaml:"max_html_bytes"`
	OverrideRefererOrigin bool     `yaml:"override_referer_origin"`
	TrackingParams        []string `yaml:"tracking_params"`
}

// UpstreamConfig controls outbound connections.
type UpstreamConfig struct {
	// DialTimeout 为 Go duration 字符串；为空表示不设置超时。
	DialTimeout string `yaml:"dial_timeout"`
	SOCKS5      string `yaml:"socks5"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	DefaultPort         = 8080
	DefaultTarget       = "http://localhost:3000"
	DefaultEntryPath    = "/api/proxy"
	DefaultMaxHTMLBytes = 10 * 1024 * 1024 // 10MB
	DefaultMetricsPath  = "/metrics"
)

// Default configuration values
var defaultConfig = Config{
	Proxy: ProxyConfig{
		Host:   "0.0.0.0",
		Port:   DefaultPort,
		Target: DefaultTarget,
	},
	Rewrite: RewriteConfig{
		EntryPath:             DefaultEntryPath,
		MaxHTMLBytes:          DefaultMaxHTMLBytes,
		OverrideRefererOrigin: true,
		TrackingParams:        []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"},
	},
	Log: LogConfig{
		Level:  "info",
		Format: "text",
	},
	Metrics: MetricsConfig{
		Enabled: true,
		Path:    DefaultMetricsPath,
	},
}

// Default returns a copy of the built-in configuration.
func Default() Config {
	return defaultConfig.clone()
}

// clone copies c deeply enough that the copy shares no slices with c.
func (c Config) clone() Config {
	out := c
	out.Rewrite.TrackingParams = append([]string(nil), c.Rewrite.TrackingParams...)
	return out
}

// ListenAddr returns host:port for the listener.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Proxy.Host, strconv.Itoa(c.Proxy.Port))
}

// Timeout parses DialTimeout; empty or invalid values mean no timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(u.DialTimeout))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ConfigPath returns the expanded config file path
func ConfigPath() string {
	if cfgPath := os.Getenv("PASSAGE_CONFIG"); cfgPath != "" {
		return ExpandPath(cfgPath)
	}
	return filepath.Join(homeDir(), ".passage", "config.yaml")
}

// homeDir returns the user's home directory
func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return os.Getenv("USERPROFILE") // Windows
}

// GetConfigDir returns the config directory path
func GetConfigDir() string {
	return filepath.Join(homeDir(), ".passage")
}

// ExpandPath expands ~ in path
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	if strings.HasPrefix(path, "~"+string(os.PathSeparator)) {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

// Load loads configuration from the given file path. Overrides are applied after the
// file on this and every later reload.
func Load(cfgFile string, overrides ...func(*Config)) (*Manager, error) {
	m := NewManager()

	configPath := ConfigPath()
	if cfgFile != "" {
		configPath = ExpandPath(cfgFile)
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	m.configPath = configPath
	m.overrides = overrides

	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Manager handles config loading, hot-reload and the single write path.
// Readers get value snapshots from Get; nothing outside Update mutates the config.
//
// The effective config is layered: defaults, then the file, then overrides, then
// every Update made through this Manager. Only the file layer (with updates applied)
// is ever written back to disk.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	file    Config
	watcher *fsnotify.Watcher
	// configPath 为配置文件路径（用于读写与监听）。当通过 CLI --config 指定时，应写入该路径。
	configPath string
	// overrides 来自环境变量与命令行参数，每次加载文件后重新应用。
	overrides []func(*Config)
	// updates 为管理页等通过 Update 做的修改；重新加载时在 overrides 之后重放，
	// 否则 PROXY_TARGET 等覆盖会把刚保存的值改回去。
	updates []func(*Config)
	// lastWritten 为最近一次 saveLocked 写入的内容，用于忽略自身写盘触发的监听事件。
	lastWritten []byte
}

// NewManager creates a new config manager
func NewManager() *Manager {
	globalPath := ConfigPath()
	if abs, err := filepath.Abs(globalPath); err == nil {
		globalPath = abs
	}
	return &Manager{
		config:     Default(),
		file:       Default(),
		configPath: globalPath,
	}
}

// Path returns the file the manager reads and writes.
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configPath
}

// Load loads configuration from file
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.loadLocked(false)
	return err
}

// loadLocked reads the file and rebuilds the effective config. With skipOwn set, a
// file whose content equals the manager's last write is left alone and loadLocked
// reports false.
func (m *Manager) loadLocked(skipOwn bool) (bool, error) {
	// Start with default config
	cfg := Default()

	cfgPath := m.configPath
	if cfgPath == "" {
		cfgPath = ConfigPath()
	}
	data, err := os.ReadFile(cfgPath)
	switch {
	case err == nil:
		if skipOwn && m.lastWritten != nil && bytes.Equal(data, m.lastWritten) {
			return false, nil
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return false, err
		}
		slog.Debug("Loaded config", "path", cfgPath)
	case !os.IsNotExist(err):
		return false, err
	}

	// 规范化配置：清理不可见字符、修正路径前缀等，避免“看起来已配置但实际不生效”。
	sanitizeLoadedConfig(&cfg)
	m.file = cfg
	m.rebuildLocked()
	return true, nil
}

// rebuildLocked derives the effective config from the file layer.
func (m *Manager) rebuildLocked() {
	cfg := m.file.clone()
	for _, o := range m.overrides {
		o(&cfg)
	}
	for _, u := range m.updates {
		u(&cfg)
	}
	sanitizeLoadedConfig(&cfg)
	m.config = cfg
}

// Get returns a snapshot of the current configuration
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// Update applies a mutation function to the config and saves to disk. The mutation
// takes precedence over overrides for the lifetime of the Manager; values that only
// come from overrides are never persisted.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file := m.file.clone()
	fn(&file)
	sanitizeLoadedConfig(&file)
	m.file = file
	m.updates = append(m.updates, fn)
	m.rebuildLocked()
	return m.saveLocked()
}

// saveLocked writes the current config to disk (must be called with mu held)
func (m *Manager) saveLocked() error {
	data, err := yaml.Marshal(&m.file)
	if err != nil {
		return err
	}
	cfgPath := m.configPath
	if cfgPath == "" {
		cfgPath = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return err
	}
	// 保底：若文件已存在，WriteFile 不一定会覆盖权限；这里再 chmod 一次。
	_ = os.Chmod(cfgPath, 0600)
	m.lastWritten = data
	return nil
}

// Watch starts watching for config file changes
func (m *Manager) Watch(onChange func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		return nil // Already watching
	}

	cfgPath := m.configPath
	if cfgPath == "" {
		cfgPath = ConfigPath()
	}
	cfgPath = filepath.Clean(cfgPath)
	// 监听目录而非文件：编辑器常以“写临时文件再 rename”的方式保存。
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != cfgPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				m.mu.Lock()
				reloaded, err := m.loadLocked(true)
				m.mu.Unlock()
				if err != nil {
					slog.Error("Failed to reload config", "error", err)
				} else if reloaded {
					slog.Info("Config file changed, reloaded")
					if onChange != nil {
						onChange()
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the config watcher
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}

// EnvOverride applies the PORT/PROXY_PORT, PROXY_TARGET, PROXY_HTTPS, PROXY_CERT and
// PROXY_KEY environment variables read through getenv.
func EnvOverride(getenv func(string) string) func(*Config) {
	return func(c *Config) {
		for _, key := range []string{"PORT", "PROXY_PORT"} {
			if p, err := strconv.Atoi(strings.TrimSpace(getenv(key))); err == nil && p > 0 {
				c.Proxy.Port = p
				break
			}
		}
		if v := strings.TrimSpace(getenv("PROXY_TARGET")); v != "" {
			c.Proxy.Target = v
		}
		switch strings.TrimSpace(getenv("PROXY_HTTPS")) {
		case "1", "true":
			c.Proxy.HTTPS = true
		}
		if v := strings.TrimSpace(getenv("PROXY_CERT")); v != "" {
			c.Proxy.CertFile = v
		}
		if v := strings.TrimSpace(getenv("PROXY_KEY")); v != "" {
			c.Proxy.KeyFile = v
		}
	}
}
