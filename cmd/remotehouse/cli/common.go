package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/config"
	"github.com/felixgeelhaar/remotehouse/internal/guard"
	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/remotehouse"
	"github.com/felixgeelhaar/remotehouse/internal/runtime"
	"github.com/felixgeelhaar/remotehouse/internal/store"
)

// environment is what every command except worker runs with.
type environment struct {
	cfg   *config.Config
	obs   *observe.Observer
	store *store.SQLiteStore
	bus   *runtime.EventBus
}

// loadEnvironment loads the config file, opens the store, applies persisted
// overrides and wires the audit log. Logs go to logOut.
func loadEnvironment(logOut io.Writer) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	s, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	overrides, err := s.ListConfig()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to read stored configuration: %w", err)
	}
	if err := cfg.Apply(overrides); err != nil {
		s.Close()
		return nil, fmt.Errorf("stored configuration: %w", err)
	}
	if verbose {
		cfg.Log.Verbose = true
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	obs := observe.Open(logOut, cfg.Log.Format, cfg.Log.Verbose)
	res := cfg.Validate()
	for _, w := range res.Warnings {
		obs.Log().Warn().Msg(w)
	}
	if !res.Valid {
		s.Close()
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(res.Errors, "; "))
	}

	bus := runtime.NewEventBus()
	runtime.NewAuditor(s, obs).Attach(bus)
	return &environment{cfg: cfg, obs: obs, store: s, bus: bus}, nil
}

func (e *environment) service() (*remotehouse.Service, error) {
	return remotehouse.New(remotehouse.Options{
		ReposRoot:  e.cfg.ReposRoot,
		ScriptsDir: e.cfg.Scripts.Dir,
		Guard:      guard.New(e.cfg.Policy()),
		Rules:      e.cfg.Rules(),
		Bus:        e.bus,
		Store:      e.store,
		Observer:   e.obs,
	})
}

func (e *environment) Close() {
	e.obs.Close()
	e.store.Close()
}
