package commands

import (
	"context"
	"fmt"

	"github.com/advodesk/advodesk/internal/client"
	"github.com/advodesk/advodesk/internal/config"
	"github.com/advodesk/advodesk/internal/logger"
	"github.com/advodesk/advodesk/internal/session"
)

type Globals struct {
	Debug   bool
	Version string
	Server  string
	Config  string
}

// setup wires config, token store, auth endpoints and session manager, then
// bootstraps the session. Every command goes through here so rehydration and
// idle-timeout enforcement happen before any other work.
func setup(ctx context.Context, globals *Globals) (client.Config, *session.Manager, error) {
	logger.Setup(globals.Debug)

	cfg, err := config.Load(globals.Config)
	if err != nil {
		return client.Config{}, nil, err
	}
	if globals.Server != "" {
		cfg.ServerURL = globals.Server
	}

	clientCfg := client.Config{
		ServerURL: cfg.ServerURL,
		Timeout:   cfg.Timeout,
		Debug:     globals.Debug,
	}

	store, err := session.NewStore("", clientCfg.ServerURL)
	if err != nil {
		return client.Config{}, nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	sessions := session.NewManager(store, client.NewAuthClient(clientCfg), session.Config{})

	if err := sessions.Bootstrap(ctx); err != nil {
		return client.Config{}, nil, fmt.Errorf("session bootstrap failed: %w", err)
	}

	return clientCfg, sessions, nil
}
