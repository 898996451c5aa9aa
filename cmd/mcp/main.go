// mcp serves the conversational archive to MCP clients over stdio. It
// shares the full pipeline with the HTTP server: the same storage,
// embedding, and generation stack behind typed tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"convorag/internal/config"
	"convorag/internal/di"
	"convorag/internal/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer container.Shutdown()

	server, err := mcp.NewServer(
		container.Ingest,
		container.Search,
		container.RAG,
		container.Store,
		container.Logger,
	)
	if err != nil {
		return fmt.Errorf("build mcp server: %w", err)
	}

	return server.Run(ctx)
}
