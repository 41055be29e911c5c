package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/inkdust2021/passage/internal/admin"
	"github.com/inkdust2021/passage/internal/config"
	plog "github.com/inkdust2021/passage/internal/log"
	"github.com/inkdust2021/passage/internal/metrics"
	"github.com/inkdust2021/passage/internal/proxy"
	"github.com/inkdust2021/passage/internal/tunnel"
	"github.com/inkdust2021/passage/internal/version"
)

var (
	cfgFile         string
	startForeground bool
	flagPort        int
	flagTarget      string
	flagHTTPS       bool
	checkTimeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "passage",
	Short: "Passage dual-mode web proxy",
	Long: `Passage serves two proxy modes on one port.

As a forward proxy it relays absolute-URI requests, CONNECT tunnels and
protocol upgrades. As a fetch-rewrite proxy it loads a page through
/api/proxy?url=... and rewrites its links so navigation stays on the proxy.`,
	SilenceUsage: true,
	RunE:         func(cmd *cobra.Command, args []string) error { return cmd.Help() },
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server (background by default)",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a proxy started in the background",
	RunE:  runStop,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

var checkCmd = &cobra.Command{
	Use:   "check [url]",
	Short: "Check that a target is reachable with the configured upstream settings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Passage %s\n", version.Version)
		fmt.Printf("  Git commit: %s\n", version.GitCommit)
		fmt.Printf("  Build date: %s\n", version.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.passage/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "run in foreground (for service/debugging)")
	startCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides config and PORT)")
	startCmd.Flags().StringVarP(&flagTarget, "target", "t", "", "default target shown on the dashboard")
	startCmd.Flags().BoolVar(&flagHTTPS, "https", false, "serve over TLS")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "request timeout")
}

// flagOverride applies start flags on top of the file and the environment.
func flagOverride(cmd *cobra.Command) func(*config.Config) {
	return func(c *config.Config) {
		if cmd.Flags().Changed("port") && flagPort > 0 {
			c.Proxy.Port = flagPort
		}
		if cmd.Flags().Changed("target") && strings.TrimSpace(flagTarget) != "" {
			c.Proxy.Target = strings.TrimSpace(flagTarget)
		}
		if cmd.Flags().Changed("https") {
			c.Proxy.HTTPS = flagHTTPS
		}
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	if startForeground {
		return runProxy(cmd)
	}

	// 未要求前台运行时，拉起一个前台子进程并脱离终端。
	if err := startDetachedProxyProcess(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Background start failed (falling back to foreground): %v\n", err)
		fmt.Println("Starting in foreground (Ctrl+C to stop).")
		return runProxy(cmd)
	}
	fmt.Println("Proxy process started in background.")
	fmt.Println("For foreground debugging, use: passage start --foreground")
	waitForProxyUp(cmd, 2*time.Second)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := readProxyPid()
	if err != nil {
		return fmt.Errorf("no background proxy detected: %w", err)
	}
	if pid <= 0 {
		return errors.New("no running proxy process detected (invalid PID)")
	}

	if err := stopProcessByPID(pid); err != nil {
		return fmt.Errorf("failed to stop proxy process: %w", err)
	}

	// 等待端口关闭（尽量给出确定反馈）
	if hostport := clientHostport(); hostport != "" {
		waitForProxyDown(hostport, 2*time.Second)
	}

	_ = removeProxyPidIfMatches(pid)
	fmt.Fprintln(cmd.OutOrStdout(), "Proxy process stopped.")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.ConfigPath()
	if cfgFile != "" {
		path = config.ExpandPath(cfgFile)
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Config already exists: %s\n", path)
		return nil
	}

	m, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// 空更新即把默认值落盘。
	if err := m.Update(func(*config.Config) {}); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", m.Path())
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	m, err := config.Load(cfgFile, config.EnvOverride(os.Getenv))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c := m.Get()

	target := c.Proxy.Target
	if len(args) == 1 {
		target = args[0]
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := proxy.NewFetcher(metrics.New(), logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()
	ctx = tunnel.WithDialer(ctx, tunnel.Dialer{Timeout: c.Upstream.Timeout(), SOCKS5: c.Upstream.SOCKS5})

	start := time.Now()
	status, err := f.Probe(ctx, target)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %d (%s)\n", target, status, time.Since(start).Round(time.Millisecond))
	return nil
}

// runProxy runs the proxy in the foreground until SIGINT/SIGTERM.
func runProxy(cmd *cobra.Command) error {
	app := fx.New(
		fx.Supply(cmd),
		fx.Provide(
			loadConfig,
			newRing,
			newLogger,
			metrics.New,
			newFetcher,
			newProber,
			admin.New,
			proxy.NewServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Invoke(writePidFile, watchConfig, startServer),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func loadConfig(lc fx.Lifecycle, cmd *cobra.Command) (*config.Manager, error) {
	m, err := config.Load(cfgFile, config.EnvOverride(os.Getenv), flagOverride(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lc.Append(fx.StopHook(m.Close))
	return m, nil
}

func newRing() *plog.Ring {
	return plog.NewRing(plog.DefaultRingSize)
}

func newLogger(lc fx.Lifecycle, cfg *config.Manager, ring *plog.Ring) (*slog.Logger, error) {
	c := cfg.Get()
	logger, closer, err := plog.Setup(plog.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
		// 后台进程没有终端：有日志文件时只写文件。
		FileOnly: !isTerminal(os.Stderr),
		Ring:     ring,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	lc.Append(fx.StopHook(closer.Close))
	return logger, nil
}

func newFetcher(m *metrics.Metrics, logger *slog.Logger) *proxy.Fetcher {
	return proxy.NewFetcher(m, logger)
}

func newProber(f *proxy.Fetcher) admin.Prober {
	return f
}

func writePidFile(lc fx.Lifecycle, logger *slog.Logger) {
	// 记录 PID，方便 passage stop 定位并结束后台进程。
	pid := os.Getpid()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := os.MkdirAll(config.GetConfigDir(), 0o755); err != nil {
				logger.Warn("Failed to create config dir; passage stop will not find this process", "error", err)
				return nil
			}
			if err := os.WriteFile(proxyPidFilePath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
				logger.Warn("Failed to write pid file", "error", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			_ = removeProxyPidIfMatches(pid)
			return nil
		},
	})
}

func watchConfig(cfg *config.Manager, logger *slog.Logger) {
	// 管理页与手工编辑都会落盘；热更新后下一个请求即使用新快照。
	if err := cfg.Watch(func() {
		logger.Info("Configuration reloaded", "target", cfg.Get().Proxy.Target)
	}); err != nil {
		logger.Warn("Failed to enable config hot-reload; restart may be required after config changes", "error", err)
	}
}

func startServer(lc fx.Lifecycle, srv *proxy.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting Passage", "version", version.Version)
			return srv.Start(ctx)
		},
		OnStop: srv.Stop,
	})
}

func waitForProxyUp(cmd *cobra.Command, timeout time.Duration) {
	hostport := clientHostport()
	if hostport == "" {
		return
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", hostport, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Dashboard: http://%s/dashboard\n", hostport)
			return
		}
		time.Sleep(150 * time.Millisecond)
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Tip: proxy may not be ready or failed to start; check the log file.")
}

func waitForProxyDown(hostport string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", hostport, 200*time.Millisecond)
		if err != nil {
			return
		}
		_ = c.Close()
		time.Sleep(150 * time.Millisecond)
	}
}

// clientHostport returns the address a local client should dial to reach the
// configured listener.
func clientHostport() string {
	m, err := config.Load(cfgFile, config.EnvOverride(os.Getenv))
	if err != nil {
		return ""
	}
	c := m.Get()
	host := strings.TrimSpace(c.Proxy.Host)
	// 监听在通配地址时，本机客户端应连回环地址。
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if flagPort > 0 {
		return net.JoinHostPort(host, strconv.Itoa(flagPort))
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Proxy.Port))
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}

func proxyPidFilePath() string {
	return filepath.Join(config.GetConfigDir(), "passage.pid")
}

func readProxyPid() (int, error) {
	b, err := os.ReadFile(proxyPidFilePath())
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, errors.New("empty pid file")
	}
	return strconv.Atoi(s)
}

func removeProxyPidIfMatches(pid int) error {
	b, err := os.ReadFile(proxyPidFilePath())
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(pid) {
		return nil
	}
	return os.Remove(proxyPidFilePath())
}

func stopProcessByPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if runtime.GOOS == "windows" {
		return p.Kill()
	}

	// 尽量优雅退出
	if err := p.Signal(syscall.SIGTERM); err != nil {
		// 可能进程已退出，直接视为成功
		if !processAlive(pid) {
			return nil
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(120 * time.Millisecond)
	}

	// 超时仍未退出：强制结束
	if err := p.Kill(); err != nil {
		if !processAlive(pid) {
			return nil
		}
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return p.Signal(syscall.Signal(0)) == nil
}
