package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/config"
	"github.com/zjrosen/stepcore/internal/demoworker"
	"github.com/zjrosen/stepcore/internal/log"
	"github.com/zjrosen/stepcore/internal/runtime"
	"github.com/zjrosen/stepcore/internal/scriptengine"
	"github.com/zjrosen/stepcore/internal/tcpworker"
	"github.com/zjrosen/stepcore/internal/tracing"
	"github.com/zjrosen/stepcore/internal/uibridge"
	"github.com/zjrosen/stepcore/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the script runtime",
	Long: `Run builds the worker bus, UI bridge, script loader, and script
runtime, registers the demo and tcp_client workers, and drives the
supervisor loop until an OS signal arrives.

Example:
  stepcore run
  stepcore run --start press_chain:station1 --start press_chain:station2`,
	RunE: runRun,
}

var startChains []string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVar(&startChains, "start", nil,
		"start a chain on launch, as script_name or script_name:instance_id (repeatable)")
}

// busCommandSink forwards UI-triggered worker commands (e.g. a button
// press) onto the same WorkerBus topic real chain scripts use via
// Workers.SendCmd, so workers never distinguish a script-issued command
// from a UI-issued one.
type busCommandSink struct {
	bus *bus.WorkerBus
}

func (s busCommandSink) SendCmd(workerName, command string, payload map[string]any) {
	body := map[string]any{"command": command}
	for k, v := range payload {
		body[k] = v
	}
	s.bus.Publish("worker.cmd."+workerName, "ui", "", body)
}

func runRun(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("stepcore run")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.ValidateRuntime(cfg.Runtime); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	if err := config.ValidateTracing(cfg.Tracing); err != nil {
		return fmt.Errorf("invalid tracing config: %w", err)
	}

	traceCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if traceCfg.Enabled && traceCfg.Exporter == "file" && traceCfg.FilePath == "" {
		traceCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(traceCfg)
	if err != nil {
		return fmt.Errorf("creating trace provider: %w", err)
	}

	workerBus := bus.NewWorkerBus()
	ui := uibridge.New(busCommandSink{bus: workerBus})
	loader := scriptengine.New(cfg.Runtime.ScriptsDir)

	rt := runtime.New(workerBus, ui, loader, cfg.Runtime).WithTracer(provider.Tracer())

	demo := demoworker.New(workerBus)
	demo.Start()
	tcp := tcpworker.New(workerBus)
	tcp.Start()

	rt.Start()

	// There is no separate UI process in this CLI build, so a small
	// headless ticker stands in for the "UI thread" that normally calls
	// UiBridge.Flush periodically - otherwise queued patches,
	// notifications, and error events would sit in the outbox forever.
	uiFlushStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-uiFlushStop:
				return
			case <-ticker.C:
				ui.Flush(cfg.Runtime.UiDrainBatch)
			}
		}
	}()

	var fsWatcher *watcher.Watcher
	if cfg.Runtime.HotReloadEnabled {
		fsWatcher, err = watcher.New(watcher.DefaultConfig(cfg.Runtime.ScriptsDir))
		if err != nil {
			log.ErrorErr(log.CatWatcher, "starting scripts watcher failed, falling back to mtime poll only", err)
			fsWatcher = nil
		} else if changed, err := fsWatcher.Start(); err != nil {
			log.ErrorErr(log.CatWatcher, "starting scripts watcher failed, falling back to mtime poll only", err)
			fsWatcher = nil
		} else {
			go func() {
				for range changed {
					rt.ForceReloadCheck()
				}
			}()
		}
	}

	for _, spec := range startChains {
		scriptName, instanceID, _ := strings.Cut(spec, ":")
		if instanceID == "" {
			instanceID = "default"
		}
		rt.SubmitCommand(runtime.CmdStartChain, map[string]any{
			"script_name": scriptName,
			"instance_id": instanceID,
		})
	}

	log.Info(log.CatRuntime, "stepcore run ready", "scripts_dir", cfg.Runtime.ScriptsDir)
	fmt.Printf("stepcore running (scripts: %s). Press Ctrl+C to stop.\n", cfg.Runtime.ScriptsDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nshutting down...")
	close(uiFlushStop)
	if fsWatcher != nil {
		_ = fsWatcher.Stop()
	}
	tcp.Stop()
	demo.Stop()
	rt.Stop()
	if err := provider.Shutdown(context.Background()); err != nil {
		log.ErrorErr(log.CatRuntime, "trace provider shutdown failed", err)
	}

	fmt.Println("stepcore stopped")
	return nil
}
