package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tessiv/livedesk/internal/config"
	"github.com/tessiv/livedesk/internal/gateway"
	"github.com/tessiv/livedesk/internal/identity"
	"github.com/tessiv/livedesk/internal/logging"
	"github.com/tessiv/livedesk/internal/presence"
	"github.com/tessiv/livedesk/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			// Rebuild the logger now that the config is known; an explicit
			// --log-level flag still wins.
			level := cfg.Logging.Level
			if logLevel != "" {
				level = logLevel
			}
			log = logging.New(nil, level, cfg.Logging.ConsoleStyle)

			dbPath := paths.ArchivePath(&cfg)
			db, err := store.Open(dbPath, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			log.Info().Str("path", dbPath).Msg("session archive ready")

			archive := store.NewArchive(db)
			window := time.Duration(cfg.Session.LinkWindowMinutes) * time.Minute
			resolver := identity.NewResolver(archive, window, log)
			live := store.NewLive(log)
			coord := presence.NewCoordinator(live, archive, resolver, log)

			srv := gateway.New(cfg, live, archive, coord, log)

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}
