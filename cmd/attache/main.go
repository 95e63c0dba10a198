// Attache is a conversational CRM assistant.
//
// It answers users over WhatsApp and a web chat widget, driving an
// agent loop between a language-model service and the CRM's remote
// tools. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	attache serve              Start the HTTP server
//	attache ask <message>      Send a single message (for testing)
//	attache version            Print version and build information
//	attache -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/attache-ai/attache/internal/agent"
	"github.com/attache-ai/attache/internal/api"
	"github.com/attache-ai/attache/internal/buildinfo"
	"github.com/attache-ai/attache/internal/catalog"
	"github.com/attache-ai/attache/internal/config"
	"github.com/attache-ai/attache/internal/crm"
	"github.com/attache-ai/attache/internal/llm"
	"github.com/attache-ai/attache/internal/store"
	"github.com/attache-ai/attache/internal/web"
	"github.com/attache-ai/attache/internal/whatsapp"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the attache command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: attache ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Attache - Conversational CRM Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: attache [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the HTTP server")
	fmt.Fprintln(w, "  ask          Send a single message (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./attache.yaml, ~/.config/attache/attache.yaml, /etc/attache/attache.yaml")
	return nil
}

// app holds the wired application components shared by serve and ask.
type app struct {
	store   *store.Store
	catalog *catalog.Cache
	crm     *crm.Client
	service *agent.Service
	model   *llm.OpenAIClient
}

// buildApp wires the store, CRM client, tool catalog, model client,
// agent loop, and service from configuration.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.CRM.URL == "" {
		return nil, fmt.Errorf("crm.url is required")
	}
	if cfg.Model.APIKey == "" {
		return nil, fmt.Errorf("model.api_key is required")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}

	crmClient := crm.NewClient(crm.Config{
		URL:    cfg.CRM.URL,
		Logger: logger,
	})
	cat := catalog.New(crmClient, st, logger)

	model := llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Model:   cfg.Model.Name,
		Logger:  logger,
	})

	loop := agent.NewLoop(model, crmClient, cat, st,
		cfg.Session.MaxRounds, cfg.CRM.Homepage, cfg.CRM.AuthSecret, logger)
	svc := agent.NewService(loop, st, model, cfg.Session.StaleAfter, logger)

	return &app{store: st, catalog: cat, crm: crmClient, service: svc, model: model}, nil
}

// runAsk handles the "attache ask <message>" subcommand. It processes a
// single message through the full agent pipeline under a fixed CLI
// contact handle and prints the answer. Useful for smoke tests and
// debugging without a WhatsApp number or web widget.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	answer, err := a.service.HandleFromPhone(ctx, "cli", strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, answer)
	return nil
}

// runServe handles the "attache serve" subcommand: load config, open
// the store, wire the agent pipeline and channels, start the HTTP
// server, and block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Attache", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model.Name,
		"crm_url", cfg.CRM.URL,
	)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()
	logger.Info("store opened", "path", cfg.Store.Path)

	// WhatsApp outbound sender. Without credentials the webhook still
	// accepts traffic but sends will fail, so warn loudly.
	if cfg.WhatsApp.AccessToken == "" || cfg.WhatsApp.PhoneNumberID == "" {
		logger.Warn("WhatsApp credentials not configured - outbound sends will fail")
	}
	sender := whatsapp.NewSender(whatsapp.SenderConfig{
		AccessToken:   cfg.WhatsApp.AccessToken,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Logger:        logger,
	})

	webHandlers := web.NewHandlers(a.store, a.service, a.crm, logger)

	if cfg.Admin.Secret == "" {
		logger.Warn("admin.secret not configured - admin endpoints are disabled")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		a.service, a.catalog, a.store, webHandlers, sender,
		cfg.WhatsApp.VerifyToken, cfg.Admin.Secret, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Attache stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
