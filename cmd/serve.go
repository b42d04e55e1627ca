package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/maestro/internal/agent"
	"github.com/nextlevelbuilder/maestro/internal/bootstrap"
	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/channels"
	"github.com/nextlevelbuilder/maestro/internal/channels/gmail"
	"github.com/nextlevelbuilder/maestro/internal/channels/nostr"
	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/gateway"
	"github.com/nextlevelbuilder/maestro/internal/ibl"
	"github.com/nextlevelbuilder/maestro/internal/identity"
	"github.com/nextlevelbuilder/maestro/internal/providers"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/report"
	"github.com/nextlevelbuilder/maestro/internal/store"
	"github.com/nextlevelbuilder/maestro/internal/store/pg"
	"github.com/nextlevelbuilder/maestro/internal/store/sqlite"
	"github.com/nextlevelbuilder/maestro/internal/tracing"
	"github.com/nextlevelbuilder/maestro/internal/webtool"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, agent runners and channel workers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no AI provider configured; set ANTHROPIC_API_KEY (or another provider) and retry")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// rt holds everything serve wires together, so shutdown can walk it in
// reverse.
type rt struct {
	cfg      *config.Config
	owners   *identity.Owners
	bus      *bus.MessageBus
	registry *registry.Registry
	provReg  *providers.Registry
	projects map[string]*config.ProjectConfig
	stores   map[string]*store.Stores
	pgDB     *sql.DB
	cancels  *agent.CancelTable
	reporter *report.Engine
	chanMgr  *channels.Manager
	runners  []*agent.Runner
}

func serve(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	r := &rt{
		cfg:      cfg,
		owners:   identity.FromEnv(),
		bus:      bus.New(),
		registry: registry.New(),
		provReg:  buildProviders(cfg),
		stores:   make(map[string]*store.Stores),
		cancels:  agent.NewCancelTable(),
	}
	if r.owners.Empty() {
		slog.Warn("no owners configured; external channel messages will all be rejected (set OWNER_EMAILS / OWNER_NOSTR_PUBKEYS)")
	}
	if err := r.owners.Watch(ctx, filepath.Join(config.ExpandHome(cfg.Workspace), ".env")); err != nil {
		slog.Warn("owner env watch unavailable", "error", err)
	}

	r.projects, err = config.LoadProjects(cfg.ProjectsDir())
	if err != nil {
		return err
	}
	if len(r.projects) == 0 {
		slog.Warn("no projects found; run `maestro init` to create one", "dir", cfg.ProjectsDir())
	}

	if err := r.openStores(ctx); err != nil {
		return err
	}
	defer r.closeStores()

	r.chanMgr = channels.NewManager(r.bus)
	r.reporter = &report.Engine{
		Registry: r.registry,
		Project:  func(projectID string) *store.Stores { return r.stores[projectID] },
		System:   r.stores[agent.SystemProjectID],
		Channels: r.chanMgr,
		OutputsDir: func(projectID string) string {
			if p, ok := r.projects[projectID]; ok {
				return p.OutputsDir()
			}
			return ""
		},
	}

	if err := r.startAgents(ctx); err != nil {
		return err
	}
	defer func() {
		for _, runner := range r.runners {
			runner.Stop()
		}
	}()

	r.loadChannels()
	if err := r.chanMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("channels: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.chanMgr.StopAll(stopCtx)
	}()

	gw := gateway.NewServer(cfg, r.bus, r.submit, r.cancels.Cancel)
	r.reporter.GUI = gw

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { r.consumeInbound(gctx); return nil })
	g.Go(func() error { return startTailnet(gctx, cfg, gw) })

	slog.Info("maestro serving",
		"projects", len(r.projects), "agents", len(r.runners), "addr", cfg.Gateway.Addr())
	return g.Wait()
}

// openStores opens one store per project plus the system AI's own, on
// either per-project SQLite files or a shared Postgres.
func (r *rt) openStores(ctx context.Context) error {
	if r.cfg.IsPostgres() {
		db, err := pg.OpenDB(ctx, r.cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("postgres schema: %w", err)
		}
		r.pgDB = db
		for id := range r.projects {
			r.stores[id] = pg.New(db, id, pg.WithLogger(slog.Default())).Stores()
		}
		r.stores[agent.SystemProjectID] = pg.New(db, agent.SystemProjectID, pg.WithLogger(slog.Default())).Stores()
		return nil
	}

	for id, p := range r.projects {
		s, err := sqlite.Open(p.DBPath(), sqlite.WithLogger(slog.Default()))
		if err != nil {
			return fmt.Errorf("project %s: %w", id, err)
		}
		r.stores[id] = s.Stores()
	}
	s, err := sqlite.Open(r.cfg.SystemAIDBPath(), sqlite.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("system ai store: %w", err)
	}
	r.stores[agent.SystemProjectID] = s.Stores()
	return nil
}

func (r *rt) closeStores() {
	for _, s := range r.stores {
		s.Close()
	}
	if r.pgDB != nil {
		r.pgDB.Close()
	}
}

// startAgents seeds each project, builds its dispatcher and launches one
// runner per agent, then the system AI.
func (r *rt) startAgents(ctx context.Context) error {
	deps := agent.SystemDeps{
		Registry: r.registry,
		Bus:      r.bus,
		Stores:   func(projectID string) *store.Stores { return r.stores[projectID] },
	}

	for id, p := range r.projects {
		if created, err := bootstrap.Seed(p); err != nil {
			slog.Warn("project seed incomplete", "project", id, "error", err)
		} else if len(created) > 0 {
			slog.Info("project files seeded", "project", id, "files", len(created))
		}

		dispatcher, err := r.buildDispatcher(deps, false)
		if err != nil {
			return fmt.Errorf("project %s dispatcher: %w", id, err)
		}

		for _, a := range p.Agents {
			runner, err := r.buildRunner(p, a, dispatcher)
			if err != nil {
				return fmt.Errorf("project %s agent %s: %w", id, a.ID, err)
			}
			runner.Start(ctx)
			r.runners = append(r.runners, runner)
		}
	}

	if r.cfg.SystemAI.Enabled {
		runner, err := r.buildSystemAI(deps)
		if err != nil {
			return fmt.Errorf("system ai: %w", err)
		}
		runner.Start(ctx)
		r.runners = append(r.runners, runner)
	}
	return nil
}

func (r *rt) buildDispatcher(deps agent.SystemDeps, systemAI bool) (*ibl.Dispatcher, error) {
	d := ibl.New()
	if err := agent.BindSystemActions(d, deps); err != nil {
		return nil, err
	}
	if systemAI {
		if err := agent.BindNetworkActions(d, deps); err != nil {
			return nil, err
		}
	}
	d.RegisterAPI(webtool.NewSearch(webtool.SearchConfig{BraveAPIKey: os.Getenv("BRAVE_API_KEY")}))
	d.RegisterAPI(webtool.NewFetch(webtool.FetchConfig{}))
	d.SetDriver(ibl.NewSQLiteDriver(openReadOnlyDB))
	return d, nil
}

// openReadOnlyDB backs the data:query node. query_only blocks writes even
// if a statement slips past the driver's keyword check.
func openReadOnlyDB(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
}

func (r *rt) buildRunner(p *config.ProjectConfig, a config.AgentConfig, dispatcher *ibl.Dispatcher) (*agent.Runner, error) {
	ai := p.ResolveAI(a, r.cfg.Agents)
	provider, err := r.provReg.Get(ai.Provider)
	if err != nil {
		return nil, err
	}

	roleText := readOptional(p.RolePath(a.ID))
	historyLimit := a.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = r.cfg.Agents.HistoryLimit
	}

	peers := make([]string, 0, len(p.Agents)-1)
	for _, other := range p.Agents {
		if other.ID != a.ID {
			peers = append(peers, other.ID)
		}
	}

	return agent.NewRunner(agent.RunnerConfig{
		ProjectID:    p.ID,
		ProjectDir:   p.Dir,
		AgentID:      a.ID,
		Name:         a.DisplayName(),
		RoleText:     roleText,
		Notes:        p.Common.Notes,
		AllowedNodes: a.AllowedNodes,
		PeerAgents:   peers,
		HistoryLimit: historyLimit,
		Provider:     provider,
		Model:        ai.Model,
		MaxTokens:    ai.MaxTokens,
		Temperature:  ai.Temperature,
		Dispatcher:   dispatcher,
		Registry:     r.registry,
		Stores:       r.stores[p.ID],
		Reporter:     r.reporter,
		Cancels:      r.cancels,
		External:     a.IsExternal(),
	})
}

func (r *rt) buildSystemAI(deps agent.SystemDeps) (*agent.Runner, error) {
	providerName := r.cfg.SystemAI.Provider
	if providerName == "" {
		providerName = r.cfg.Agents.Provider
	}
	provider, err := r.provReg.Get(providerName)
	if err != nil {
		return nil, err
	}
	model := r.cfg.SystemAI.Model
	if model == "" {
		model = r.cfg.Agents.Model
	}

	dispatcher, err := r.buildDispatcher(deps, true)
	if err != nil {
		return nil, err
	}

	systemDir := filepath.Join(config.ExpandHome(r.cfg.Workspace), "system")
	rolePath := filepath.Join(systemDir, "role.md")
	if _, err := bootstrap.SeedSystemRole(rolePath); err != nil {
		slog.Warn("system ai role seed failed", "error", err)
	}

	return agent.NewRunner(agent.RunnerConfig{
		ProjectID:    agent.SystemProjectID,
		ProjectDir:   systemDir,
		AgentID:      agent.SystemAgentID,
		Name:         "System AI",
		RoleText:     readOptional(rolePath),
		HistoryLimit: r.cfg.Agents.HistoryLimit,
		SystemAI:     true,
		Provider:     provider,
		Model:        model,
		MaxTokens:    r.cfg.Agents.MaxTokens,
		Dispatcher:   dispatcher,
		Registry:     r.registry,
		Stores:       r.stores[agent.SystemProjectID],
		Reporter:     r.reporter,
		Cancels:      r.cancels,
	})
}

// loadChannels registers a worker per external agent account. The nostr
// factory gets the project's seen store for replay dedup across restarts.
func (r *rt) loadChannels() {
	loader := channels.NewLoader(r.chanMgr, r.bus)
	loader.RegisterFactory("gmail", func(p *config.ProjectConfig, a config.AgentConfig, msgBus *bus.MessageBus) (channels.Channel, error) {
		return gmail.New(p, a, r.cfg.Channels.Gmail, r.owners, msgBus)
	})
	loader.RegisterFactory("nostr", func(p *config.ProjectConfig, a config.AgentConfig, msgBus *bus.MessageBus) (channels.Channel, error) {
		return nostr.New(p, a, r.cfg.Channels.Nostr, r.owners, r.stores[p.ID].Seen, msgBus)
	})
	loader.LoadAll(r.projects)
}

// submit opens a root task for a GUI request and enqueues it. Implements
// the gateway's submit callback.
func (r *rt) submit(ctx context.Context, clientID string, req protocol.RequestFrame) (string, error) {
	projectID, err := r.resolveProject(req)
	if err != nil {
		return "", err
	}
	agentID := req.Agent
	if _, ok := r.registry.Get(projectID, agentID); !ok {
		// The GUI may address an agent by display name.
		e, ok := r.registry.LookupByName(projectID, req.Agent)
		if !ok {
			return "", fmt.Errorf("no agent %q in project %q", req.Agent, projectID)
		}
		agentID = e.AgentID
	}
	stores := r.stores[projectID]
	if stores == nil {
		return "", fmt.Errorf("no store for project %q", projectID)
	}

	task := &store.Task{
		ID:               store.NewTaskID(),
		Requester:        "owner",
		RequesterChannel: store.ChannelGUI,
		OriginalRequest:  req.Content,
		DelegatedTo:      agentID,
		Status:           store.TaskPending,
		WSClientID:       clientID,
		CreatedAt:        time.Now(),
	}
	if err := stores.Tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if !r.registry.Send(projectID, agentID, registry.Message{
		Content:    req.Content,
		TaskID:     task.ID,
		Channel:    store.ChannelGUI,
		WSClientID: clientID,
		EnqueuedAt: time.Now(),
	}) {
		stores.Tasks.DeleteTask(ctx, task.ID)
		return "", fmt.Errorf("agent %q is not accepting work", req.Agent)
	}
	return task.ID, nil
}

// resolveProject picks the target project for a request. An explicit
// project wins; the system AI needs none; a single-project install needs
// none either.
func (r *rt) resolveProject(req protocol.RequestFrame) (string, error) {
	if req.Project != "" {
		if _, ok := r.projects[req.Project]; !ok && req.Project != agent.SystemProjectID {
			return "", fmt.Errorf("unknown project %q", req.Project)
		}
		return req.Project, nil
	}
	if req.Agent == agent.SystemAgentID {
		return agent.SystemProjectID, nil
	}
	if len(r.projects) == 1 {
		for id := range r.projects {
			return id, nil
		}
	}
	return "", fmt.Errorf("request needs a project (multiple projects are loaded)")
}

func buildProviders(cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{providers.WithAnthropicModel(cfg.Agents.Model)}
		if p.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.APIBase))
		}
		reg.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, opts...))
	}
	if p.OpenAI.APIKey != "" {
		reg.Register(providers.NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.APIBase, ""))
	}
	if p.Gemini.APIKey != "" {
		reg.Register(providers.NewGeminiProvider(p.Gemini.APIKey, p.Gemini.APIBase, ""))
	}
	if p.Ollama.APIBase != "" {
		reg.Register(providers.NewOllamaProvider(p.Ollama.APIBase, ""))
	}
	return reg
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
