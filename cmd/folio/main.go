package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/folioreader/folio/pkg/activitylog"
	"github.com/folioreader/folio/pkg/config"
	"github.com/folioreader/folio/pkg/database"
	"github.com/folioreader/folio/pkg/download"
	"github.com/folioreader/folio/pkg/engine"
	"github.com/folioreader/folio/pkg/migrations"
	"github.com/folioreader/folio/pkg/servers"
	"github.com/folioreader/folio/pkg/syncer"
	"github.com/folioreader/folio/pkg/version"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/robinjoseph08/golib/signals"
	"github.com/uptrace/bun"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	app := &cli.App{
		Name:    "folio",
		Usage:   "sync calibre content-server libraries to a local reading cache",
		Version: version.Version,
		Commands: []*cli.Command{
			serverCommand(),
			syncCommand(),
			downloadCommand(),
			activityCommand(),
			daemonCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("app run error")
	}
}

// setup builds the engine and its database the same way for every command.
func setup(ctx context.Context) (*engine.Engine, *bun.DB, *config.Config, error) {
	log := logger.New()

	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to create cache directory %s", cfg.CacheDir)
	}

	db, err := database.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	if group.ID != 0 {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	return engine.New(cfg, db), db, cfg, nil
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "manage content servers",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "register a content server and discover its libraries",
				ArgsUsage: "<base-url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Usage: "username for servers that require auth"},
					&cli.StringFlag{Name: "password", Usage: "password for servers that require auth"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("expected exactly one argument: the server base URL")
					}

					eng, db, _, err := setup(c.Context)
					if err != nil {
						return err
					}
					defer db.Close()

					server, err := eng.AddServer(c.Context, c.Args().First(), c.String("username"), c.String("password"))
					if err != nil {
						return err
					}
					fmt.Printf("Registered server %s\n", server.ID)

					libraries, err := eng.DiscoverLibraries(c.Context, server.ID)
					if err != nil {
						return err
					}
					for _, library := range libraries {
						fmt.Printf("  %s  %s (%s)\n", library.ID, library.Name, library.Key)
					}
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list registered servers and their libraries",
				Action: func(c *cli.Context) error {
					_, db, _, err := setup(c.Context)
					if err != nil {
						return err
					}
					defer db.Close()

					svc := servers.NewService(db)
					list, err := svc.ListServers(c.Context)
					if err != nil {
						return err
					}
					for _, server := range list {
						fmt.Printf("%s  %s\n", server.ID, server.BaseURL)
						libraries, err := svc.ListLibraries(c.Context, servers.ListLibrariesOptions{ServerID: &server.ID})
						if err != nil {
							return err
						}
						for _, library := range libraries {
							fmt.Printf("  %s  %s (%s)\n", library.ID, library.Name, library.Key)
						}
					}
					return nil
				},
			},
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "sync one library against its server",
		ArgsUsage: "<library-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full", Usage: "also tombstone local books the server no longer reports"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one argument: the library id")
			}

			eng, db, _, err := setup(c.Context)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := eng.SyncLibrary(c.Context, c.Args().First(), syncer.Options{Full: c.Bool("full")})
			if err != nil {
				return err
			}

			fmt.Printf("Added %d, updated %d, unchanged %d, tombstoned %d\n", res.Added, res.Updated, res.Unchanged, res.Tombstoned)
			for _, failed := range res.Failed {
				fmt.Printf("  book %d failed: %v\n", failed.CalibreID, failed.Err)
			}
			return nil
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "download one format of a book into the cache",
		ArgsUsage: "<book-id> <format>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("expected two arguments: the book id and the format")
			}

			eng, db, _, err := setup(c.Context)
			if err != nil {
				return err
			}
			defer db.Close()

			d, err := eng.DownloadFormat(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			<-d.Done()

			p := d.Progress()
			if p.Err != nil {
				return p.Err
			}
			fmt.Printf("Downloaded %d bytes (%s)\n", p.BytesReceived, p.State)
			return nil
		},
	}
}

func activityCommand() *cli.Command {
	return &cli.Command{
		Name:  "activity",
		Usage: "show recent server requests",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum entries to show"},
			&cli.DurationFlag{Name: "prune", Usage: "delete entries older than this duration before listing"},
		},
		Action: func(c *cli.Context) error {
			_, db, _, err := setup(c.Context)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := activitylog.NewService(db)

			if age := c.Duration("prune"); age > 0 {
				n, err := svc.Prune(c.Context, time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d entries\n", n)
			}

			entries, err := svc.ListEntries(c.Context, activitylog.ListEntriesOptions{
				Limit: pointerutil.Int(c.Int("limit")),
			})
			if err != nil {
				return err
			}
			for _, entry := range entries {
				outcome := "pending"
				if entry.Outcome != nil {
					outcome = *entry.Outcome
				}
				fmt.Printf("%s  %-15s %-7s %s  %s\n", entry.StartedAt.Format(time.RFC3339), entry.Type, outcome, entry.Method, entry.URL)
			}
			return nil
		},
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "run the background sync loop until interrupted",
		Action: func(c *cli.Context) error {
			log := logger.New()
			log.Info("starting folio", logger.Data{"version": version.Version})

			eng, db, cfg, err := setup(c.Context)
			if err != nil {
				return err
			}

			graceful := signals.Setup()

			go func() {
				for ev := range eng.Events() {
					data := logger.Data{"type": string(ev.Type)}
					if ev.LibraryID != "" {
						data["library_id"] = ev.LibraryID
					}
					if ev.BookID != "" {
						data["book_id"] = ev.BookID
					}
					if ev.Download != nil && ev.Download.State == download.StateDownloading {
						continue
					}
					log.Info("event", data)
				}
			}()

			eng.Start()
			log.Info("auto-sync started", logger.Data{"interval_minutes": cfg.AutoSyncIntervalMinutes})

			<-graceful
			log.Info("starting graceful shutdown")

			eng.Stop()
			log.Info("engine stopped")

			err = db.Close()
			if err != nil {
				log.Err(err).Error("database close error")
			}
			log.Info("database closed")
			return nil
		},
	}
}
