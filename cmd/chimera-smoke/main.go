// Command chimera-smoke is the preflight check: it pushes one synthetic
// mission, waits for its result and verifies the shape. A non-zero exit
// means the mission path is broken.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/linkpellow/chimera/config"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/telemetry"
)

func main() {
	var (
		providerF = flag.String("provider", "ThatsThem", "Target provider for the synthetic mission")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	logger := telemetry.NewClueLogger()

	if err := run(ctx, logger, *providerF); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
	logger.Info(ctx, "smoke test passed")
}

func run(ctx context.Context, logger telemetry.Logger, provider string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	rdb, err := cfg.Redis()
	if err != nil {
		return err
	}
	defer rdb.Close()

	queue, err := dispatch.NewQueue(dispatch.QueueConfig{
		Redis:  rdb,
		Name:   cfg.MissionQueue,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	mission := dispatch.NewMission(map[string]any{
		"firstName": "Smoke",
		"lastName":  "Test",
		"city":      "Miami",
		"state":     "FL",
	}, provider)

	if err := queue.Push(ctx, mission); err != nil {
		return fmt.Errorf("push synthetic mission: %w", err)
	}
	logger.Info(ctx, "synthetic mission pushed",
		"mission_id", mission.MissionID, "timeout_s", cfg.SmokeResultsTimeout.Seconds())

	res, err := queue.AwaitResult(ctx, mission.MissionID, cfg.SmokeResultsTimeout)
	if err != nil {
		return fmt.Errorf("await result: %w", err)
	}

	switch res.Status {
	case dispatch.StatusCompleted, dispatch.StatusFailed, dispatch.StatusTimedOut:
	default:
		return fmt.Errorf("result has unknown status %q", res.Status)
	}
	if res.Provider == "" {
		return fmt.Errorf("result is missing the provider")
	}
	if res.DurationS < 0 {
		return fmt.Errorf("result has negative duration %f", res.DurationS)
	}

	logger.Info(ctx, "result received",
		"status", res.Status,
		"provider", res.Provider,
		"duration_s", res.DurationS,
		"extracted_fields", len(res.Extracted),
		"trauma_signals", len(res.TraumaSignals),
	)
	if res.Status != dispatch.StatusCompleted {
		return fmt.Errorf("mission ended %s with signals %v", res.Status, res.TraumaSignals)
	}
	return nil
}
