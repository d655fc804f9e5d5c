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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/muxgate/muxgate/internal/approval"
	"github.com/muxgate/muxgate/internal/auth"
	"github.com/muxgate/muxgate/internal/broker"
	"github.com/muxgate/muxgate/internal/ptyproc"
	"github.com/muxgate/muxgate/internal/server"
	"github.com/muxgate/muxgate/internal/tmux"
	"github.com/muxgate/muxgate/internal/tunnel"
	"tailscale.com/tsnet"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable dev mode (proxy to Vite)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	tunnelMode := flag.String("tunnel", "", "expose via a tunnel instead of Tailscale: \"cloudflared\"")
	token := flag.String("token", "", "auth token (generated if empty)")
	password := flag.String("password", "", "optional second factor")
	defaultSession := flag.String("default-session", "main", "tmux session to attach new clients to")
	scrollbackLines := flag.Int("scrollback-lines", 2000, "lines kept for capture_scrollback")
	pollIntervalMs := flag.Int("poll-interval-ms", 2500, "tmux state poll interval")
	slackToken := flag.String("slack-token", "", "Slack bot token for approval notifications")
	slackChannel := flag.String("slack-channel", "", "Slack channel id for approval notifications")
	approvalHistory := flag.Int("approval-history", 0, "print the last N approval audit records and exit")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("muxgated", version)
		return
	}

	if *approvalHistory > 0 {
		if err := printApprovalHistory(*approvalHistory); err != nil {
			fmt.Fprintln(os.Stderr, "approval history:", err)
			os.Exit(1)
		}
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	authSvc, err := auth.New(*token, *password)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(1)
	}
	if *token == "" {
		fmt.Fprintf(os.Stderr, "\n  generated auth token: %s\n\n", authSvc.Token())
	}

	gateway := tmux.NewCLIGateway(logger)
	factory := ptyproc.NewCreackFactory()

	b := broker.New(gateway, factory, authSvc, broker.Config{
		DefaultSession:  *defaultSession,
		ScrollbackLines: *scrollbackLines,
		PollIntervalMs:  *pollIntervalMs,
	}, logger)

	if approvalMgr := setupApproval(logger, *slackToken, *slackChannel); approvalMgr != nil {
		b.SetApprovalGate(approvalMgr)
	}

	reaper, err := broker.NewReaper(b, broker.DefaultReapSchedule, logger)
	if err != nil {
		logger.Error("failed to configure orphan reaper", "err", err)
		os.Exit(1)
	}
	reaper.Start()
	defer reaper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go b.Run(ctx)

	srv := server.New(server.Config{
		Addr:             fmt.Sprintf(":%d", *port),
		DevMode:          *dev,
		Logger:           logger,
		Broker:           b,
		PasswordRequired: authSvc.RequiresPassword(),
		ScrollbackLines:  *scrollbackLines,
		PollIntervalMs:   *pollIntervalMs,
	})

	switch {
	case *local || *dev:
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		actualAddr := ln.Addr().String()
		fmt.Fprintf(os.Stderr, "\n  muxgate v%s running at:\n\n    http://%s\n\n", version, actualAddr)
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

	case *tunnelMode == "cloudflared":
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		helper := tunnel.NewCloudflaredHelper(logger)
		publicURL, err := helper.Start(ctx, "http://"+ln.Addr().String())
		if err != nil {
			logger.Error("failed to start cloudflared tunnel", "err", err)
		} else {
			fmt.Fprintf(os.Stderr, "\n  muxgate v%s exposed at:\n\n    %s\n\n", version, publicURL)
			if err := tunnel.PrintQRCode(os.Stderr, publicURL); err != nil {
				logger.Debug("failed to render qr code", "err", err)
			}
		}
		defer helper.Stop()

	default:
		tsServer := &tsnet.Server{
			Hostname: "muxgate",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  muxgate v%s running at:\n\n", version)
		var publicURL string
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							publicURL = fmt.Sprintf("https://%s", dnsName)
						} else {
							publicURL = fmt.Sprintf("https://%s:%d", dnsName, *port)
						}
						fmt.Fprintf(os.Stderr, "    %s\n", publicURL)
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
		if publicURL != "" {
			if err := tunnel.PrintQRCode(os.Stderr, publicURL); err != nil {
				logger.Debug("failed to render qr code", "err", err)
			}
		}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func printApprovalHistory(limit int) error {
	store, err := approval.OpenStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.History(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		resolved := "-"
		if r.ResolvedAt.Valid {
			resolved = r.ResolvedAt.String
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\n", r.RequestedAt, r.ApprovalID, r.ClientID, r.Action, r.Outcome, resolved)
	}
	return nil
}

func setupApproval(logger *slog.Logger, slackToken, slackChannel string) *approval.Manager {
	// Nothing in this process registers push subscriptions, so without Slack
	// no channel can deliver a code and no gate is installed.
	if slackToken == "" || slackChannel == "" {
		return nil
	}

	var channels []approval.Channel

	if push, err := approval.NewWebPushChannel(logger); err != nil {
		logger.Warn("web push approval channel unavailable", "err", err)
	} else {
		channels = append(channels, push)
	}

	if slackToken != "" && slackChannel != "" {
		channels = append(channels, approval.NewSlackChannel(slackToken, slackChannel))
	}

	if len(channels) == 0 {
		return nil
	}

	store, err := approval.OpenStore("")
	if err != nil {
		logger.Warn("approval audit store unavailable", "err", err)
		store = nil
	}

	return approval.NewManager(store, approval.DefaultExpiry, logger, channels...)
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
