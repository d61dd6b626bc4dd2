// Command stride runs the agent orchestration runtime: `stride serve` exposes
// the WebSocket gateway, `stride run` executes one prompt against a template
// and prints the output.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	stride "github.com/nevindra/stride"
	"github.com/nevindra/stride/gateway"
	"github.com/nevindra/stride/internal/config"
	"github.com/nevindra/stride/observer"
	"github.com/nevindra/stride/provider/resolve"
	"github.com/nevindra/stride/store/postgres"
	"github.com/nevindra/stride/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  stride serve [-config stride.toml]
  stride run   [-config stride.toml] -agent ID [-prompt TEXT] [-model ID] [-session ID]`)
}

// deps is everything both subcommands wire up from config.
type deps struct {
	cfg      config.Config
	logger   *slog.Logger
	provider stride.Provider
	store    stride.SessionStore
	credits  *stride.CreditTable
	tracer   stride.Tracer
	cleanup  []func()
}

func (d *deps) close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
}

func build(ctx context.Context, configPath string) (*deps, error) {
	cfg := config.Load(configPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &deps{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	// Provider: resolve router wrapped by rate limiting, then retry, so
	// retries re-enter the limiter.
	router, err := resolve.New(resolve.Config{
		Anthropic: resolve.Credentials{APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL},
		OpenAI:    resolve.Credentials{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL},
	})
	if err != nil {
		return nil, err
	}
	d.provider = router
	if cfg.Engine.RPM > 0 || cfg.Engine.TPM > 0 {
		var limits []stride.RateLimitOption
		if cfg.Engine.RPM > 0 {
			limits = append(limits, stride.RPM(cfg.Engine.RPM))
		}
		if cfg.Engine.TPM > 0 {
			limits = append(limits, stride.TPM(cfg.Engine.TPM))
		}
		d.provider = stride.WithRateLimit(d.provider, limits...)
	}
	if cfg.Engine.RetryAttempts > 0 {
		d.provider = stride.WithRetry(d.provider,
			stride.RetryMaxAttempts(cfg.Engine.RetryAttempts),
			stride.RetryLogger(d.logger))
	}

	d.credits = stride.NewCreditTable(pricingOverrides(cfg))

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, pricingOverrides(cfg))
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		d.cleanup = append(d.cleanup, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		})
		d.provider = observer.WrapProvider(d.provider, inst)
		d.tracer = observer.NewTracer()
	}

	switch cfg.Store.Driver {
	case "sqlite":
		st := sqlite.New(cfg.Store.Path, sqlite.WithLogger(d.logger))
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, err
		}
		d.store = st
		d.cleanup = append(d.cleanup, func() { _ = st.Close() })
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		d.store = st
		d.cleanup = append(d.cleanup, pool.Close)
	}

	return d, nil
}

func (d *deps) templates() (*stride.TemplateRegistry, error) {
	agents := make([]stride.AgentTemplate, 0, len(d.cfg.Agents))
	for id, a := range d.cfg.Agents {
		model := a.Model
		if model == "" {
			model = d.cfg.Engine.DefaultModel
		}
		agents = append(agents, stride.AgentTemplate{
			ID:                    id,
			Model:                 model,
			SystemPrompt:          a.SystemPrompt,
			InstructionsPrompt:    a.InstructionsPrompt,
			StepPrompt:            a.StepPrompt,
			ToolNames:             a.Tools,
			SpawnableAgents:       a.SpawnableAgents,
			OutputMode:            stride.OutputMode(a.OutputMode),
			MaxAgentSteps:         a.MaxAgentSteps,
			IncludeMessageHistory: a.IncludeMessageHistory,
		})
	}
	return stride.NewTemplateRegistry(agents...)
}

func (d *deps) engineOptions() []stride.EngineOption {
	opts := []stride.EngineOption{
		stride.WithEngineLogger(d.logger),
		stride.WithCredits(d.credits),
	}
	if d.store != nil {
		opts = append(opts, stride.WithSessionStore(d.store))
	}
	if d.cfg.Engine.MaxAgentSteps > 0 {
		opts = append(opts, stride.WithMaxAgentSteps(d.cfg.Engine.MaxAgentSteps))
	}
	if d.cfg.Engine.EventBuffer > 0 {
		opts = append(opts, stride.WithEventBuffer(d.cfg.Engine.EventBuffer))
	}
	if d.tracer != nil {
		opts = append(opts, stride.WithTracer(d.tracer))
	}
	return opts
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("STRIDE_CONFIG"), "path to stride.toml")
	_ = fs.Parse(args) //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer d.close()

	templates, err := d.templates()
	if err != nil {
		log.Fatal(err)
	}

	factory := func(exchange *stride.ClientExchange) *stride.Engine {
		opts := append(d.engineOptions(), stride.WithExchange(exchange))
		return stride.NewEngine(d.provider, templates, opts...)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(d.logger)}
	if d.cfg.Server.AuthToken != "" {
		gwOpts = append(gwOpts, gateway.WithAuthToken(d.cfg.Server.AuthToken))
	}
	if d.cfg.Engine.ToolTimeoutSec > 0 {
		gwOpts = append(gwOpts, gateway.WithToolTimeout(time.Duration(d.cfg.Engine.ToolTimeoutSec)*time.Second))
	}
	gw := gateway.New(factory, gwOpts...)

	server := &http.Server{Addr: d.cfg.Server.Addr, Handler: gw}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("gateway listening", "addr", d.cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.Shutdown(sctx)
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("STRIDE_CONFIG"), "path to stride.toml")
	agentID := fs.String("agent", "", "agent template id")
	prompt := fs.String("prompt", "", "prompt text")
	model := fs.String("model", "", "model override")
	sessionID := fs.String("session", "", "session id for persistence")
	_ = fs.Parse(args) //nolint:errcheck

	if *agentID == "" {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer d.close()

	templates, err := d.templates()
	if err != nil {
		log.Fatal(err)
	}
	engine := stride.NewEngine(d.provider, templates, d.engineOptions()...)

	req := stride.RunRequest{
		PromptID:  stride.NewID(),
		Prompt:    *prompt,
		AgentID:   *agentID,
		Model:     *model,
		SessionID: *sessionID,
	}
	if *sessionID != "" && d.store != nil {
		state, err := d.store.LoadSession(ctx, *sessionID)
		if err != nil {
			log.Fatal(err)
		}
		req.Session = state
	}

	events := make(chan stride.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Type == stride.EventText || ev.Type == stride.EventResponseChunk {
				fmt.Print(ev.Text)
			}
		}
		fmt.Println()
	}()

	res, err := engine.RunStream(ctx, req, events)
	<-done
	if err != nil {
		log.Fatal(err)
	}

	if res.Output.Type != stride.OutputTypeLastMessage {
		out, _ := json.MarshalIndent(res.Output, "", "  ")
		fmt.Println(string(out))
	}
	d.logger.Info("run finished", "output", string(res.Output.Type), "credits", res.CreditsUsed)
}

func pricingOverrides(cfg config.Config) map[string]stride.ModelPricing {
	if len(cfg.Credits.Pricing) == 0 {
		return nil
	}
	out := make(map[string]stride.ModelPricing, len(cfg.Credits.Pricing))
	for model, p := range cfg.Credits.Pricing {
		out[model] = stride.ModelPricing{
			InputPerMillion:  p.Input,
			OutputPerMillion: p.Output,
			CachedPerMillion: p.Cached,
		}
	}
	return out
}
