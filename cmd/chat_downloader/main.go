package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/chat_downloader/internal/config"
	"github.com/italolelis/chat_downloader/internal/downloader"
	"github.com/italolelis/chat_downloader/internal/http/rest"
	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/storage/sqlite"
	"github.com/italolelis/chat_downloader/internal/telemetry"
	"github.com/italolelis/chat_downloader/internal/transport"
	"github.com/italolelis/chat_downloader/internal/transport/botapi"
	"github.com/italolelis/chat_downloader/internal/watcher"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(tel.LogHandler(handler))).With("instance_id", instanceID())
	slog.SetDefault(logger)

	slog.Info("chat downloader starting...", "log_level", cfg.LogLevel, "version", version)

	err = run(logctx.WithLogger(ctx, logger), cfg, tel)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("failed to shutdown telemetry", "err", shutdownErr)
	}

	if err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	ruleRepo := sqlite.NewInstrumentedRuleRepository(database, tel)
	messageLog := sqlite.NewInstrumentedMessageRepository(database, tel)

	// =========================================================================
	// Start Transport
	bot := botapi.NewClient(botapi.Config{
		BaseURL:     cfg.BotAPIURL,
		Token:       cfg.BotToken,
		PollTimeout: cfg.PollTimeout,
		RateLimit:   cfg.APIRateLimit,
		Breaker: botapi.BreakerSettings{
			Threshold:   cfg.Breaker.Threshold,
			Timeout:     cfg.Breaker.Timeout,
			MaxRequests: cfg.Breaker.MaxRequests,
		},
		Logger: logger,
	})
	client := transport.NewInstrumentedClient(bot, tel, "botapi")

	// =========================================================================
	// Start Notification
	notif := setupNotifier(bot, cfg, tel)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Downloader
	d := downloader.NewDownloader(gctx, downloads, downloader.Options{
		MaxConcurrent:        cfg.MaxConcurrent,
		NotifyInterval:       cfg.ProgressNotifyInterval,
		ReportBytes:          cfg.ProgressReportBytes,
		ProgressWriteTimeout: cfg.ProgressWriteTimeout,
		PreemptThreshold:     cfg.PreemptThreshold,
		PreemptVictim:        downloader.VictimPolicy(cfg.PreemptVictim),
	},
		downloader.WithNotifier(notif),
		downloader.WithTelemetry(tel),
	)

	d.Handle(storage.OriginDirect, downloader.NewDirectFetcher(d, client))
	d.Handle(storage.OriginRule, downloader.NewRuleFetcher(d, client, ruleRepo))

	if err := d.Recover(gctx); err != nil {
		return fmt.Errorf("failed to recover downloads: %w", err)
	}

	g.Go(func() error {
		notif.Run(gctx)

		return nil
	})

	// =========================================================================
	// Start Watcher
	w := watcher.New(client, d, ruleRepo, watcher.Config{
		TargetDir:    cfg.TargetDir,
		AdminUserIDs: cfg.AdminUserIDs,
	}, watcher.WithMessenger(bot), watcher.WithMessageLog(messageLog))

	g.Go(func() error {
		return w.Run(gctx)
	})

	// =========================================================================
	// Start API Service
	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler: rest.NewRouter(
			rest.NewAPIHandler(cfg.API.Username, cfg.API.Password, d, ruleRepo, rest.WithMessages(messageLog)),
			tel,
		),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"max_concurrent", cfg.MaxConcurrent,
		"preempt_victim", cfg.PreemptVictim,
	)

	err = g.Wait()

	// Running transfers observe the cancelled context and leave their
	// records for the next Recover.
	waitForDownloads(logger, d, cfg.Web.ShutdownTimeout)

	return err
}

func setupNotifier(messenger transport.Messenger, cfg *config.Config, tel *telemetry.Telemetry) *notifier.Async {
	// Rule downloads report to the first admin's private chat unless an
	// operator chat is configured.
	operatorChat := cfg.NotifyChatID
	if operatorChat == 0 && len(cfg.AdminUserIDs) > 0 {
		operatorChat = cfg.AdminUserIDs[0]
	}

	notifiers := notifier.Multi{notifier.NewChatNotifier(messenger, operatorChat)}

	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}

	return notifier.NewAsync(notifiers, cfg.NotifyBacklog, notifier.WithDropHook(tel.RecordNotificationDropped))
}

func waitForDownloads(logger *slog.Logger, d *downloader.Downloader, timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		d.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("timed out waiting for downloads to stop", "active", d.Active())
	}
}

// instanceID identifies this process in logs: hostname, pid and a random suffix.
func instanceID() string {
	host, _ := os.Hostname()

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
