// Package app bootstraps and runs the hub: it loads settings, builds the
// repository, registry, cluster coordinator, and downstream server, and
// owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"mcphub/internal/cluster"
	"mcphub/internal/config"
	"mcphub/internal/hub"
	"mcphub/internal/registry"
	"mcphub/internal/search"
	"mcphub/internal/store"
	"mcphub/pkg/logging"
)

// Config are the process-level options from the CLI.
type Config struct {
	Debug      bool
	ConfigPath string
}

// NewConfig builds the application configuration.
func NewConfig(debug bool, configPath string) Config {
	return Config{Debug: debug, ConfigPath: configPath}
}

// Application is the assembled hub process.
type Application struct {
	cfg Config

	configPath  string
	repo        store.Repository
	settings    *config.Store
	registry    *registry.Registry
	searcher    *search.KeywordSearcher
	dispatcher  *hub.Dispatcher
	sessions    *hub.SessionTable
	server      *hub.Server
	coordinator *cluster.Coordinator

	watcher *fsnotify.Watcher
}

// NewApplication loads settings and wires every component. Nothing is
// connected or listening until Run.
func NewApplication(cfg Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	configPath, err := config.ResolvePath(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	repo, err := store.NewRepository(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings store: %w", err)
	}

	settings, err := repo.LoadSettings()
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	app := &Application{
		cfg:        cfg,
		configPath: configPath,
		repo:       repo,
		settings:   config.NewStore(settings),
		searcher:   search.NewKeywordSearcher(),
	}

	app.registry = registry.NewRegistry(app.settings, repo)
	app.registry.OnCatalogChanged(app.reindex)

	var coordinator *cluster.Coordinator
	if settings.Cluster.Enabled {
		coordinator, err = cluster.New(settings.Cluster)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to initialize cluster coordinator: %w", err)
		}
	}
	app.coordinator = coordinator

	app.sessions = hub.NewSessionTable(coordinator)
	app.dispatcher = hub.NewDispatcher(app.registry, app.settings, app.searcher)
	app.server = hub.NewServer(app.settings, app.registry, app.dispatcher, app.sessions, coordinator)

	return app, nil
}

// Run connects upstreams, starts serving, and blocks until ctx is done,
// then stops the hub server, the upstreams, the cluster coordinator, and the
// settings store, in that order. Returns nil on a clean exit.
func (a *Application) Run(ctx context.Context) error {
	if err := a.registry.RegisterAll(ctx, ""); err != nil {
		return fmt.Errorf("failed to initialize upstreams: %w", err)
	}

	if a.coordinator != nil {
		err := a.coordinator.Initialize(ctx, func() []cluster.ServerStatus {
			statuses := a.registry.Statuses()
			out := make([]cluster.ServerStatus, len(statuses))
			for i, s := range statuses {
				out[i] = cluster.ServerStatus{Name: s.Name, Status: s.Status}
			}
			return out
		})
		if err != nil {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub server: %w", err)
	}

	a.watchConfig(ctx)

	<-ctx.Done()
	logging.Info("App", "Shutting down")

	shutdownCtx := context.Background()
	if a.watcher != nil {
		a.watcher.Close()
	}
	if err := a.server.Stop(shutdownCtx); err != nil {
		logging.Error("App", err, "Error stopping hub server")
	}
	a.registry.Shutdown()
	if a.coordinator != nil {
		if err := a.coordinator.Shutdown(shutdownCtx); err != nil {
			logging.Error("App", err, "Error shutting down cluster coordinator")
		}
	}
	if err := a.repo.Close(); err != nil {
		logging.Error("App", err, "Error closing settings store")
	}
	return nil
}

// reindex pushes the current catalogs into the tool-discovery index.
func (a *Application) reindex() {
	var docs []search.Document
	for _, u := range a.registry.Snapshot() {
		name := u.Name()
		for _, entry := range u.Tools() {
			docs = append(docs, search.Document{
				Server:      name,
				Tool:        entry.Original,
				Description: entry.Tool.Description,
			})
		}
	}
	a.searcher.Index(docs)
}

// watchConfig reloads settings and refreshes upstreams when the document
// changes on disk.
func (a *Application) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("App", "Config watching disabled: %v", err)
		return
	}
	if err := watcher.Add(filepath.Dir(a.configPath)); err != nil {
		logging.Warn("App", "Config watching disabled: %v", err)
		watcher.Close()
		return
	}
	a.watcher = watcher

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(a.configPath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				a.reloadSettings(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("App", "Config watcher error: %v", err)
			}
		}
	}()
}

// reloadSettings re-reads the document and refreshes every upstream that is
// not already connected.
func (a *Application) reloadSettings(ctx context.Context) {
	settings, err := config.Load(a.configPath)
	if err != nil {
		logging.Error("App", err, "Ignoring invalid settings reload")
		return
	}
	a.settings.Swap(settings)
	logging.Info("App", "Settings reloaded, refreshing upstreams")
	if err := a.registry.RegisterAll(ctx, ""); err != nil {
		logging.Error("App", err, "Upstream refresh after reload failed")
	}
}
