package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsforge/rebuildd/internal/clients"
	"github.com/opsforge/rebuildd/internal/config"
	"github.com/opsforge/rebuildd/internal/handlers"
	"github.com/opsforge/rebuildd/internal/logging"
	"github.com/opsforge/rebuildd/internal/notify"
	"github.com/opsforge/rebuildd/internal/policy"
	"github.com/opsforge/rebuildd/internal/resolver"
	"github.com/opsforge/rebuildd/internal/server"
	"github.com/opsforge/rebuildd/internal/state"
	"github.com/opsforge/rebuildd/internal/store"
	"github.com/opsforge/rebuildd/internal/trigger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rebuild orchestrator",
	Long:  `Start the trigger dispatcher and the status API server`,
	Run:   runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Setup(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	log.Info().Msg("Starting rebuildd...")
	log.Info().Int("port", cfg.Server.Port).Msg("Status API")
	log.Info().Str("path", cfg.Database.Path).Msg("Database")

	pol := policy.Default()
	if cfg.Policy.File != "" {
		pol, err = policy.Load(cfg.Policy.File)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load rebuild policy")
		}
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	retry := clients.RetryPolicy{
		Timeout:  cfg.Engine.RetryTimeout,
		Interval: cfg.Engine.RetryInterval,
	}
	meta := clients.NewHTTPMetadataClient(cfg.Services.MetadataURL, retry)
	builder := clients.NewHTTPBuildSystem(cfg.Services.BuildURL, retry)
	composer := clients.NewHTTPComposeService(cfg.Services.ComposeURL, retry)
	tracker := clients.NewHTTPAdvisoryTracker(cfg.Services.AdvisoryURL, retry)

	res := resolver.New(meta, cfg.Engine.Workers, cfg.Engine.MaxDepth)
	pub := notify.NewInProcPublisher()
	machine := state.NewMachine(db, builder, composer, pub)

	queue := trigger.NewQueue(cfg.Engine.QueueSize)
	dispatcher := trigger.NewDispatcher(queue, []trigger.Handler{
		handlers.NewManualRebuild(),
		handlers.NewAdvisoryShipped(tracker, res, machine, pol),
		handlers.NewBuildStateChange(machine),
		handlers.NewComposeStateChange(machine),
		handlers.NewCancel(machine),
	})

	ctx, cancel := context.WithCancel(context.Background())

	// Catch up events interrupted by a previous shutdown. The submission
	// gate is level triggered, so re-evaluating every unfinished event is
	// safe and submits whatever a missed callback left stuck.
	unfinished, err := db.UnfinishedEvents(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list unfinished events")
	}
	for _, ev := range unfinished {
		log.Info().Int64("event_id", ev.ID).Str("state", string(ev.State)).Msg("Resuming unfinished event")
		if err := machine.SubmitEligible(ctx, ev.ID); err != nil {
			log.Error().Err(err).Int64("event_id", ev.ID).Msg("Failed to resume event")
			continue
		}
		if err := machine.CompleteEventIfDone(ctx, ev.ID); err != nil {
			log.Error().Err(err).Int64("event_id", ev.ID).Msg("Failed to finalize event")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Dispatcher error")
		}
	}()

	api := server.New(db, queue)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Start(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			log.Error().Err(err).Msg("Status API error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status API shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Stopped gracefully")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Force shutdown after timeout")
	}
}
