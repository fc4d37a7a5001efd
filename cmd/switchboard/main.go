// ABOUTME: CLI entrypoint for the switchboard pipeline server.
// ABOUTME: Wires rails, stores, collaborators, and the HTTP surface, with signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanternlabs/switchboard/llm"
	"github.com/lanternlabs/switchboard/persona"
	"github.com/lanternlabs/switchboard/pipeline"
	"github.com/lanternlabs/switchboard/retrieval"
	"github.com/lanternlabs/switchboard/web"
)

var version = "dev"

// cliConfig holds configuration parsed from flags.
type cliConfig struct {
	configPath  string
	addr        string
	verbose     bool
	showVersion bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("switchboard %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags.
func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("switchboard", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", "switchboard.yaml", "Path to YAML config file")
	fs.StringVar(&cfg.addr, "addr", "", "Listen address (overrides config)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Log pipeline lifecycle events")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	return cfg
}

func run(cli cliConfig) int {
	fileCfg, err := loadConfig(cli.configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rails := fileCfg.rails()

	// Idempotency store: SQLite when a path is configured, in-memory otherwise.
	var execOpts []pipeline.ExecutorOption
	var idemStore pipeline.IdempotencyStore
	if path := fileCfg.Storage.SqlitePath; path != "" {
		store, err := pipeline.OpenSqliteIdempotencyStore(path)
		if err != nil {
			log.Printf("opening idempotency store: %v", err)
			return 1
		}
		idemStore = store
	} else {
		idemStore = pipeline.NewMemoryIdempotencyStore()
	}
	defer idemStore.Close()
	execOpts = append(execOpts, pipeline.WithIdempotencyStore(idemStore))

	sweepInterval := time.Minute
	if raw := fileCfg.Storage.SweepInterval; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Printf("invalid sweep_interval %q: %v", raw, err)
			return 1
		}
		sweepInterval = d
	}
	go pipeline.SweepLoop(ctx, idemStore, sweepInterval)

	executor := pipeline.NewSafeExecutor(rails, execOpts...)

	// Synthesis collaborator: OpenAI-compatible when a key is present,
	// deterministic local fallback otherwise.
	apiKeyEnv := fileCfg.OpenAI.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = "OPENAI_API_KEY"
	}
	var synthesizer pipeline.Synthesizer
	if apiKey := os.Getenv(apiKeyEnv); apiKey != "" {
		synthesizer = llm.NewOpenAISynthesizer(apiKey, fileCfg.OpenAI.Model, fileCfg.OpenAI.BaseURL)
	} else {
		log.Printf("%s not set; using offline synthesizer", apiKeyEnv)
		synthesizer = &llm.StaticSynthesizer{}
	}

	var retriever pipeline.Retriever
	if endpoint := fileCfg.Retrieval.Endpoint; endpoint != "" {
		retriever = retrieval.NewHTTPRetriever(endpoint)
	}

	orchCfg := pipeline.OrchestratorConfig{
		Classifier:  fileCfg.classifier(),
		Policy:      persona.NewPolicy(persona.DefaultCatalog()),
		Persona:     fileCfg.personaConfig(),
		Retriever:   retriever,
		Tools:       demoTools(),
		Synthesizer: synthesizer,
	}
	if cli.verbose {
		orchCfg.EventHandler = func(evt pipeline.Event) {
			log.Printf("event %s plan=%s phase=%s", evt.Type, evt.PlanID, evt.Phase)
		}
	}
	orch := pipeline.NewOrchestrator(executor, orchCfg)

	addr := fileCfg.Server.Addr
	if cli.addr != "" {
		addr = cli.addr
	}
	server := web.NewServer(orch, web.ServerConfig{
		Addr:      addr,
		GlobalRPM: fileCfg.Server.GlobalRPM,
	})

	log.Printf("switchboard %s listening on %s", version, server.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		return 0
	case err := <-errCh:
		log.Printf("server: %v", err)
		return 1
	}
}
