// Package main is the sudocode tool server binary. The control plane injects
// it into agent sessions over stdio so agents can read and update the
// project's issues, specs and feedback through the API. With -http it also
// serves SSE and Streamable HTTP for IDE clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/mcpserver"
)

var version = "dev"

var (
	httpFlag      = flag.Bool("http", false, "serve SSE and Streamable HTTP instead of stdio")
	portFlag      = flag.Int("port", 9090, "HTTP transports port")
	urlFlag       = flag.String("url", "http://localhost:8321", "sudocode API URL")
	logLevelFlag  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "log format (console, json)")
)

func main() {
	flag.Parse()

	cfg := mcpserver.Config{
		Port:        getEnvIntOrFlag("SUDOCODE_MCP_PORT", *portFlag),
		SudocodeURL: getEnvOrFlag("SUDOCODE_URL", *urlFlag),
		Version:     version,
	}

	// Stdio keeps stdout for the protocol; logs go to stderr.
	logOutput := "stderr"
	if *httpFlag {
		logOutput = "stdout"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("SUDOCODE_MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("SUDOCODE_MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: logOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if !*httpFlag {
		srv := mcpserver.New(cfg, log)
		if err := srv.ServeStdio(); err != nil {
			log.Error("stdio transport failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	log.Info("starting sudocode-mcp",
		zap.Int("port", cfg.Port),
		zap.String("sudocode_url", cfg.SudocodeURL))

	ctx := context.Background()
	srv, cleanup, err := mcpserver.Provide(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("sudocode MCP server running on :%d\n", cfg.Port)
	fmt.Printf("SSE endpoint: %s\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s\n", srv.StreamableHTTPEndpoint())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sudocode-mcp...")
	if err := cleanup(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	log.Info("sudocode-mcp stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable value as int if set, otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}
