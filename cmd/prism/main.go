// Command prism is an intercepting proxy for LLM coding agents. It speaks
// the OpenAI, Anthropic and Gemini wire protocols on the front, routes to
// any configured backend, and executes in-band !/ commands.
//
// Usage:
//
//	prism serve --config config.yaml
//	prism validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/connector"
	"github.com/prismproxy/prism/pkg/dispatch"
	"github.com/prismproxy/prism/pkg/logger"
	"github.com/prismproxy/prism/pkg/middleware"
	"github.com/prismproxy/prism/pkg/processor"
	"github.com/prismproxy/prism/pkg/ratelimit"
	"github.com/prismproxy/prism/pkg/server"
	"github.com/prismproxy/prism/pkg/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the proxy server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("prism version %s\n", version)
	return nil
}

// ServeCmd starts the proxy server.
type ServeCmd struct {
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	log := logger.GetLogger()

	connectors, err := connector.Build(cfg, connector.Deps{Logger: log})
	if err != nil {
		return err
	}
	limiter := ratelimit.New(cfg, log)
	store := session.NewStore(cfg.SessionTTL, log)
	svc := dispatch.New(cfg, connectors, limiter, log)
	chain := middleware.NewChain(cfg, log)
	proc := processor.New(cfg, store, svc, chain, log)
	srv := server.New(cfg, proc, connectors, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return store.Run(ctx) })

	log.Info("proxy started",
		"backends", len(connectors), "default_backend", string(cfg.DefaultBackend))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ValidateCmd loads the configuration and prints the resolved form.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	resolved, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK\n\n%s", resolved)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("prism"),
		kong.Description("An intercepting LLM proxy for coding agents."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer closeFile()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
