// mcp-auth-broker is the broker's process entrypoint.
//
// All configuration is loaded from environment variables (see
// internal/broker/config). Sub-commands:
//
//	run         start the broker and print a started banner (default)
//	health      print health() and exit
//	ready       print readiness() and exit
//	tools       print discover_tools() and exit
//	smoke-e2e   run the in-memory end-to-end self-check and exit
//	version     print build version information and exit
//
// All output is single-line JSON with sorted keys. Exit code 0 on
// success; non-zero is reserved for startup errors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bdobrica/mcp-auth-broker/common/crypto"
	"github.com/bdobrica/mcp-auth-broker/common/version"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/audit"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/config"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/jsonenc"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/secrets"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/server"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/smoke"
	"github.com/bdobrica/mcp-auth-broker/internal/broker/telemetry"
)

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	if cmd == "version" {
		printJSON(map[string]any{"version": version.Version, "git_commit": version.GitCommit, "build_time": version.BuildTime})
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	configureLogging(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	shutdown, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	srv, err := buildServer(cfg)
	if err != nil {
		slog.Error("failed to build broker server", "err", err)
		os.Exit(1)
	}

	switch cmd {
	case "run":
		printJSON(map[string]any{"status": "started", "service": cfg.ServiceName, "environment": cfg.Environment})
	case "health":
		printJSON(srv.Health())
	case "ready":
		printJSON(srv.Readiness())
	case "tools":
		tools, err := srv.DiscoverTools()
		if err != nil {
			slog.Error("failed to discover tools", "err", err)
			os.Exit(1)
		}
		printJSON(tools)
	case "smoke-e2e":
		result, err := smoke.RunE2E(ctx)
		if err != nil {
			slog.Error("smoke e2e failed", "err", err)
			os.Exit(1)
		}
		printJSON(result)
	default:
		fmt.Fprintf(os.Stderr, "fatal: unknown sub-command %q\n", cmd)
		os.Exit(1)
	}
}

func buildServer(cfg *config.BrokerConfig) (*server.Server, error) {
	var resolver secrets.Resolver = secrets.NoneResolver{}
	if cfg.SecretProviderMode == config.SecretProviderOnePassword {
		masterKey, err := crypto.LoadMasterKey()
		if err != nil {
			slog.Warn("secret value cache disabled: no master key configured", "err", err)
			masterKey = nil
		}
		resolver = secrets.NewOnePasswordResolver("", "", masterKey, time.Duration(cfg.SecretCacheTTLSeconds)*time.Second)
	}

	var sink audit.Sink = audit.NewStdoutSink(os.Stdout)
	if cfg.AuditDBPath != "" {
		sqliteSink, err := audit.OpenSQLiteSink(cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		sink = multiSink{primary: audit.NewStdoutSink(os.Stdout), secondary: sqliteSink}
	}
	emitter := audit.New(audit.EnvelopeConfig{ServiceName: cfg.ServiceName, Environment: cfg.Environment}, sink)

	return server.New(cfg, emitter, resolver, nil), nil
}

// multiSink forwards every event to both a stdout sink and a durable
// SQLite mirror, per SPEC_FULL.md §2: the in-memory/stdout sink remains
// authoritative for ordering, SQLite is an optional durable copy.
type multiSink struct {
	primary   audit.Sink
	secondary audit.Sink
}

func (m multiSink) Write(e audit.Event) error {
	if err := m.primary.Write(e); err != nil {
		return err
	}
	return m.secondary.Write(e)
}

func configureLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printJSON(v any) {
	line, err := jsonenc.MarshalLine(v)
	if err != nil {
		slog.Error("failed to encode output", "err", err)
		os.Exit(1)
	}
	os.Stdout.Write(line)
}
