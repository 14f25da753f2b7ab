package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/memctx/src/config"
	"github.com/Protocol-Lattice/memctx/src/memory"
)

type opener func(ctx context.Context, configPath string) (*memory.System, error)

// app opens the system once per process and shares it between commands.
type app struct {
	open opener
	once sync.Once
	sys  *memory.System
	err  error
}

func newApp(open opener) *app {
	return &app{open: open}
}

func (a *app) system(cmd *cobra.Command) (*memory.System, error) {
	a.once.Do(func() {
		path, _ := cmd.Flags().GetString("config")
		a.sys, a.err = a.open(cmd.Context(), path)
	})
	return a.sys, a.err
}

func (a *app) close() {
	if a.sys != nil {
		_ = a.sys.Close()
		a.sys = nil
	}
}

func openFromConfig(ctx context.Context, path string) (*memory.System, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "memctx", Level: cfg.LogLevel()})
	return memory.Open(ctx, cfg, logger)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scope(cmd *cobra.Command) (org, user string) {
	org, _ = cmd.Flags().GetString("org")
	user, _ = cmd.Flags().GetString("user")
	return org, user
}
