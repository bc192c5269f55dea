// Command hub runs the asynchronous message hub and its admin tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/config"
)

// Globals are flags shared by every command.
type Globals struct {
	Config  string   `help:"Path to the YAML configuration file." short:"c" type:"path" env:"HUB_CONFIG"`
	EnvFile []string `help:"Env files loaded before the process environment." name:"env-file" type:"path"`
}

func (g *Globals) load() (*config.Config, error) {
	files := g.EnvFile
	if len(files) == 0 {
		files = config.DefaultEnvFiles
	}
	return config.Load(g.Config, files...)
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the hub node."`
	Migrate MigrateCmd `cmd:"" help:"Create the database schema."`
	Cancel  CancelCmd  `cmd:"" help:"Cancel a NEW, PARTLY_FAILED or POSTPONED message."`
	Restart RestartCmd `cmd:"" help:"Reopen a FAILED or CANCEL message."`
}

type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.DriverPostgres {
		return hub.NewError(hub.ErrValidation, "migrate requires the postgres driver", nil, nil)
	}
	ctx := context.Background()
	st, err := openPg(ctx, cfg, cfg.Logger(os.Stderr))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	fmt.Println("schema is up to date")
	return nil
}

type CancelCmd struct {
	ID int64 `arg:"" help:"Message id."`
}

func (c *CancelCmd) Run(g *Globals) error {
	return withAdmin(g, func(ctx context.Context, a *admin) error {
		if err := a.engine.Cancel(ctx, c.ID); err != nil {
			return err
		}
		fmt.Printf("message %d cancelled\n", c.ID)
		return nil
	})
}

type RestartCmd struct {
	ID    int64 `arg:"" help:"Message id."`
	Total bool  `help:"Also purge external call records so every call is redone."`
}

func (c *RestartCmd) Run(g *Globals) error {
	return withAdmin(g, func(ctx context.Context, a *admin) error {
		if err := a.engine.Restart(ctx, c.ID, c.Total); err != nil {
			return err
		}
		fmt.Printf("message %d restarted\n", c.ID)
		return nil
	})
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("hub"),
		kong.Description("Asynchronous message hub."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "hub: %v\n", err)
		os.Exit(1)
	}
}
