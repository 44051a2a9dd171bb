// Command chatwire runs the chat server and its maintenance tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"chatwire/internal/app"
	"chatwire/internal/auth"
	"chatwire/internal/config"
	dbconfig "chatwire/pkg/database"
)

var version = "dev"

func main() {
	if err := newCLI(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCLI(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "chatwire",
		Usage:   "Real-time chat messaging and presence server",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a yaml, json or toml configuration file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before configuration, ignored when missing",
			},
		},
		Before: func(c *cli.Context) error {
			err := godotenv.Load(c.String("env-file"))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", c.String("env-file"), err)
			}
			return nil
		},
		Commands: []*cli.Command{
			serverCmd(),
			migrateCmd(),
			tokenCmd(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Config()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Serve websocket and HTTP clients",
		Action: func(c *cli.Context) error {
			loader, cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			application := app.New(app.Params{Config: cfg, Loader: loader})

			startCtx, cancel := context.WithTimeout(c.Context, application.StartTimeout())
			defer cancel()
			if err := application.Start(startCtx); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancelStop()
			return application.Stop(stopCtx)
		},
	}
}

func migrateCmd() *cli.Command {
	open := func(c *cli.Context) (*dbconfig.MigrationManager, func(), error) {
		_, cfg, err := loadConfig(c)
		if err != nil {
			return nil, nil, err
		}
		db, err := dbconfig.Open(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return dbconfig.NewMigrationManager(db), func() { _ = db.Close() }, nil
	}
	report := func(c *cli.Context, res *dbconfig.MigrateResult) {
		fmt.Fprintf(c.App.Writer, "version=%d dirty=%t changed=%t\n", res.Version, res.Dirty, res.Changed)
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply every pending migration",
				Action: func(c *cli.Context) error {
					mm, done, err := open(c)
					if err != nil {
						return err
					}
					defer done()
					res, err := mm.ApplyMigrations()
					if err != nil {
						return err
					}
					report(c, res)
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Revert migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Value: 1, Usage: "number of versions to revert"},
				},
				Action: func(c *cli.Context) error {
					mm, done, err := open(c)
					if err != nil {
						return err
					}
					defer done()
					res, err := mm.Rollback(c.Int("steps"))
					if err != nil {
						return err
					}
					report(c, res)
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Print the schema version",
				Action: func(c *cli.Context) error {
					mm, done, err := open(c)
					if err != nil {
						return err
					}
					defer done()
					res, err := mm.Version()
					if err != nil {
						return err
					}
					report(c, res)
					return nil
				},
			},
		},
	}
}

func tokenCmd() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue a client token for a user",
		ArgsUsage: "<user-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("token takes exactly one user id")
			}
			_, cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner(cfg.Auth.Keys)
			if err != nil {
				return err
			}
			token, err := signer.Sign(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
