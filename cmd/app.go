package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/credentials"
	"github.com/link-assistant/agent/internal/emit"
	"github.com/link-assistant/agent/internal/installer"
	"github.com/link-assistant/agent/internal/mcp"
	"github.com/link-assistant/agent/internal/provider"
	"github.com/link-assistant/agent/internal/session"
	"github.com/link-assistant/agent/internal/tools"
	"github.com/link-assistant/agent/internal/transport"
)

// app is the assembled runtime: every component built once in main and
// passed down explicitly.
type app struct {
	cfg      *config.Config
	bus      *bus.Bus
	emitter  *emit.Emitter
	auth     *credentials.Store
	resolver *provider.Resolver
	registry *tools.Registry
	disp     *tools.Dispatcher
	mcp      *mcp.Manager
	store    *session.Store
	rt       *transport.Retry
	workdir  string

	stopEmitter func()
}

func newApp(workdir string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	if flagDryRun {
		cfg.DryRun = true
	}
	if flagCompactJSON {
		cfg.Output.Compact = true
	}
	if flagJSONStandard != "" {
		cfg.Output.Standard = flagJSONStandard
	}

	b := bus.New()

	// Route all slog output through the bus so library logging joins the
	// JSON event stream instead of writing plain text to stderr.
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(bus.NewLogHandler(b, level)))

	emitter := &emit.Emitter{
		Out:      stdout,
		Err:      stderr,
		Compact:  cfg.Output.Compact,
		Standard: emit.Standard(cfg.Output.Standard),
		Verbose:  cfg.Verbose,
	}
	events, unsub := b.Subscribe(bus.Filter{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		emitter.Run(events)
	}()

	rt := transport.New(nil)
	rt.Bus = b
	rt.Verbose = func() bool { return cfg.Verbose }
	if flagRetryTimeout > 0 {
		rt.Opts.Budget = time.Duration(flagRetryTimeout) * time.Second
	}

	auth := credentials.NewStore(config.DataDir())
	resolver := provider.NewResolver(catalog.NewStore(config.CacheDir()), auth, cfg)
	resolver.Installer = installer.New(config.CacheDir())
	resolver.Client = &http.Client{Transport: rt}
	resolver.DryRun = cfg.DryRun

	registry := tools.Builtin()
	disp := tools.NewDispatcher(registry, b, workdir)

	store, err := session.Open(filepath.Join(config.DataDir(), "sessions.db"))
	if err != nil {
		unsub()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		bus:      b,
		emitter:  emitter,
		auth:     auth,
		resolver: resolver,
		registry: registry,
		disp:     disp,
		mcp:      mcp.NewManager(cfg.MCP, b),
		store:    store,
		rt:       rt,
		workdir:  workdir,
		stopEmitter: func() {
			unsub()
			<-done
		},
	}, nil
}

// startMCP connects configured servers and merges their tools into the
// registry. Failures degrade to status events; they never stop the run.
func (a *app) startMCP(ctx context.Context) {
	if len(a.cfg.MCP) == 0 {
		return
	}
	a.mcp.StartAll(ctx)
	a.mcp.RegisterTools(a.registry, a.disp)
}

// close flushes the emitter and releases resources.
func (a *app) close() {
	a.mcp.StopAll()
	a.store.Close()
	a.stopEmitter()
}
