// Command tether runs the companion daemon: it tails an AI coding
// assistant's JSONL conversation logs, correlates each log to the tmux
// session that owns it, and exposes a live multi-session view to paired
// remote clients over an authenticated WebSocket.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/loppo-llc/tether/internal/auth"
	"github.com/loppo-llc/tether/internal/devicestore"
	"github.com/loppo-llc/tether/internal/maintenance"
	"github.com/loppo-llc/tether/internal/mapping"
	"github.com/loppo-llc/tether/internal/notify"
	"github.com/loppo-llc/tether/internal/registry"
	"github.com/loppo-llc/tether/internal/resolver"
	"github.com/loppo-llc/tether/internal/server"
	"github.com/loppo-llc/tether/internal/timeline"
	"github.com/loppo-llc/tether/internal/tmux"
	"github.com/loppo-llc/tether/internal/watch"
)

var version = "0.1.0"

const sentinelVar = "TETHER_TAG"

func main() {
	port := flag.Int("port", 8787, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable verbose dev logging")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	watchRoot := flag.String("watch-root", defaultWatchRoot(), "directory tree of JSONL conversation logs to tail")
	ageFilter := flag.Duration("age-filter", 120*time.Second, "skip files older than this on initial scan")
	resolverInterval := flag.Duration("resolver-interval", 5*time.Second, "tmux re-probe / resolver sweep interval")
	sentinelVal := flag.String("sentinel", "1", "tmux session env value that marks a session as in-scope")
	slackWebhook := flag.String("slack-webhook", "", "optional Slack incoming webhook URL for alerts")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("tether", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	authMgr, err := auth.New(logger)
	if err != nil {
		logger.Error("failed to initialize pairing credentials", "err", err)
		os.Exit(1)
	}

	home, _ := os.UserHomeDir()
	devDBPath := filepath.Join(home, ".config", "tether", "devices.db")
	if err := os.MkdirAll(filepath.Dir(devDBPath), 0o755); err != nil {
		logger.Error("failed to create config dir", "err", err)
		os.Exit(1)
	}
	devices, err := devicestore.Open(logger, devDBPath)
	if err != nil {
		logger.Error("failed to open device store", "err", err)
		os.Exit(1)
	}

	notifyMgr, err := notify.NewManager(logger, *slackWebhook)
	if err != nil {
		logger.Error("failed to initialize notify manager", "err", err)
		os.Exit(1)
	}

	store := mapping.New(logger, *watchRoot)
	store.Load()

	probe := tmux.NewProbe(logger, sentinelVar, *sentinelVal)
	res := resolver.New(logger, store, probe, *watchRoot)
	cfg := timeline.DefaultToolConfig()
	reg := registry.New(logger, cfg, store, res, probe, *watchRoot)

	watcher, err := watch.New(logger, *watchRoot, *ageFilter)
	if err != nil {
		logger.Error("failed to start file watcher", "err", err)
		os.Exit(1)
	}
	if err := watcher.Start(); err != nil {
		logger.Error("failed to start file watcher", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for ev := range watcher.Events() {
			reg.HandleFileEvent(ev)
		}
	}()

	sched, err := maintenance.New(logger, reg, *resolverInterval)
	if err != nil {
		logger.Error("failed to build maintenance scheduler", "err", err)
		os.Exit(1)
	}
	sched.Start()
	reg.RefreshTmuxState()

	subID, events := reg.Broker().Subscribe()
	go notifyMgr.Run(events)
	defer reg.Broker().Unsubscribe(subID)

	srv := server.New(server.Config{
		Addr:          fmt.Sprintf(":%d", *port),
		Logger:        logger,
		Version:       version,
		Registry:      reg,
		Probe:         probe,
		Auth:          authMgr,
		NotifyManager: notifyMgr,
		Devices:       devices,
	})

	printPairingInstructions(authMgr, *port)

	if *local || *dev {
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  tether v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		tsServer := &tsnet.Server{
			Hostname: "tether",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  tether v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
			}
		}
		fmt.Fprintln(os.Stderr)

		go func() {
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	sched.Stop()
	watcher.Close()
	reg.Broker().Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func defaultWatchRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude", "projects")
}

func printPairingInstructions(m *auth.Manager, port int) {
	fmt.Fprintf(os.Stderr, "\n  pair a device:\n\n")
	fmt.Fprintf(os.Stderr, "    otpauth URL: %s\n", m.PairingURL())
	fmt.Fprintf(os.Stderr, "    secret:      %s\n", m.Secret())
	fmt.Fprintf(os.Stderr, "    QR code:     GET http://127.0.0.1:%d/api/v1/pair/qr\n\n", port)
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
