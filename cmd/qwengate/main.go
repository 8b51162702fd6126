// qwengate is an OpenAI-compatible gateway over heterogeneous LLM
// upstreams: local inference servers, OpenAI-shaped proxies and the
// native chat.qwen.ai protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/qwengate/config"
	"go.uber.org/zap"
)

// Build metadata, set via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("qwengate %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting qwengate",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr()),
	)

	srv := NewServer(cfg, logger)
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	srv.WaitForShutdown()
}
