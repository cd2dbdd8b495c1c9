package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/jony/taskchaser/internal/config"
	"github.com/jony/taskchaser/internal/dbopen"
	"github.com/jony/taskchaser/internal/obslog"
	"github.com/jony/taskchaser/pkg/ackhandler"
	"github.com/jony/taskchaser/pkg/acklink"
	"github.com/jony/taskchaser/pkg/chaser"
	"github.com/jony/taskchaser/pkg/clock"
	"github.com/jony/taskchaser/pkg/identity"
	"github.com/jony/taskchaser/pkg/notify"
	"github.com/jony/taskchaser/pkg/secrets"
	"github.com/jony/taskchaser/pkg/signer"
	"github.com/jony/taskchaser/pkg/sor"
	"github.com/jony/taskchaser/pkg/store"
	"github.com/jony/taskchaser/pkg/workflow"

	"github.com/go-resty/resty/v2"
	"github.com/slack-go/slack"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd()
	case "setup":
		setupCmd()
	case "version", "--version", "-v":
		fmt.Println("taskchaser v1.0.0")
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("taskchaser - overdue task chaser and acknowledgement service")
	fmt.Println()
	fmt.Println("Usage: taskchaser <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Run the chaser loop and the /ack HTTP endpoint")
	fmt.Println("  setup     Run interactive setup wizard and write a .env file")
	fmt.Println("  version   Show version")
}

func serveCmd() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := obslog.New(cfg.Debug)
	defer logger.Sync()

	db, err := dbopen.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	secretStore, err := secrets.New(db)
	if err != nil {
		logger.Fatal("migrate secrets store", zap.Error(err))
	}

	taskStore, err := store.New(db)
	if err != nil {
		logger.Fatal("migrate task store", zap.Error(err))
	}

	sig := signer.New(secretStore)
	ackBuilder := acklink.New(sig, cfg.AckLink.BaseUrl)

	httpClient := resty.New().SetTimeout(15 * time.Second)
	sorClient := sor.New(httpClient, cfg.SharePointSiteUrl, cfg.FieldMappings)

	slackClient := slack.New(cfg.SlackBotToken)
	notifier := notify.New(slackClient, cfg.ChaserJob.ThreadFallback)

	wf, err := workflow.Load(cfg.ChaserJob.WorkflowTemplatePath)
	if err != nil {
		logger.Fatal("load workflow template", zap.Error(err))
	}

	clockCalc := clock.NewCalculator(func(region string) {
		logger.Warn("unknown region fell back to UTC", zap.String("region", region))
	})

	chaserCfg := chaser.Config{
		CadenceMinutes: cfg.ChaserJob.CadenceMinutes,
		BatchSize:      cfg.ChaserJob.BatchSize,
		SendHourLocal:  cfg.ChaserJob.SendHourLocal,
		BusinessWindow: chaser.BusinessWindow{
			StartHourLocal: cfg.ChaserJob.BusinessWindow.StartHourLocal,
			EndHourLocal:   cfg.ChaserJob.BusinessWindow.EndHourLocal,
			CushionHours:   cfg.ChaserJob.BusinessWindow.CushionHours,
		},
		ThreadFallback: cfg.ChaserJob.ThreadFallback,
		ChaserTtlHours: cfg.AckLink.Policy.ChaserTtlHours,
		Safety: chaser.Safety{
			MaxConsecutiveFailures: cfg.ChaserJob.Safety.MaxConsecutiveFailures,
			CoolOffMinutes:         cfg.ChaserJob.Safety.CoolOffMinutes,
		},
	}
	loop := chaser.New(taskStore, sorClient, clockCalc, ackBuilder, notifier, wf, chaserCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ChaserJob.Enabled {
		go loop.Run(ctx)
		logger.Info("chaser loop started", zap.Int("cadence_minutes", cfg.ChaserJob.CadenceMinutes))
	} else {
		logger.Info("chaser loop disabled by config")
	}

	maintenance := newMaintenanceJob(taskStore, cfg.DatabaseMaintenance, logger)
	if cfg.DatabaseMaintenance.CheckpointEnabled {
		go maintenance.run(ctx)
	}

	identityResolver := identity.New(identity.DefaultHeaderNames())
	ackHandler := ackhandler.New(taskStore, ackBuilder, sorClient, identityResolver, logger)

	mux := http.NewServeMux()
	mux.Handle("/ack", ackHandler)

	server := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		logger.Info("ack endpoint listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ack server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ack server shutdown", zap.Error(err))
	}
}
