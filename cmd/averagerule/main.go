package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"averagerule/internal/config"
	"averagerule/internal/history"
	"averagerule/internal/logger"
	"averagerule/internal/plugin"
	"averagerule/internal/processor"
	"averagerule/internal/rule"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "averagerule: %v\n", err)
		os.Exit(2)
	}
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	rec := history.NewRecorder(cfg.HistorySize)
	handle, err := newHandle(cfg, rec)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid rule configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := processor.New(cfg, handle, rec)
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("processor exited")
		handle.Shutdown()
		os.Exit(1)
	}

	handle.Shutdown()
	log.Info().Msg("exited")
}

// newHandle builds the rule. Without an asset the rule starts unconfigured
// and waits for PUT /config.
func newHandle(cfg *config.Config, rec *history.Recorder) (*plugin.Handle, error) {
	ruleLog := logger.WithComponent("rule")
	r := rule.New(
		rule.WithLogger(ruleLog),
		rule.WithSink(rule.Sinks{rule.NewLogSink(ruleLog), rec}),
	)

	ruleCfg, err := cfg.Rule.RuleConfig()
	switch {
	case err == nil:
		if err := r.Configure(ruleCfg); err != nil {
			return nil, err
		}
	case errors.Is(err, rule.ErrMissingField) && cfg.Rule.Asset == "":
		log := logger.WithComponent("main")
		log.Warn().Msg("no asset configured; rule is idle until PUT /config")
	default:
		return nil, err
	}
	return plugin.Wrap(r), nil
}
