// Command executor is the in-environment agent a connector deploys
// inside a node per spec §4.6: it loads its pipeline, interprets it
// locally, and reports back to the gateway, then exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netunicorn/director/pkg/executor"
	"github.com/netunicorn/director/pkg/logx"
)

func main() {
	logx.Init(logx.Config{Level: logx.InfoLevel, JSONOutput: true})
	log := logx.WithComponent("executor.main")

	cfg, err := executor.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("signal received, cancelling in-flight run")
		cancel()
	}()
	defer cancel()

	agent := executor.NewAgent(cfg, executor.DefaultRegistry())
	if err := agent.Run(ctx); err != nil {
		log.Error().Err(err).Msg("executor run failed")
		os.Exit(1)
	}
	os.Exit(0)
}
