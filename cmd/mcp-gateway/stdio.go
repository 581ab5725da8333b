package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/stdio"
	"github.com/spf13/cobra"
)

var (
	flagTenant string
	flagUser   string
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve a single local client over stdin and stdout",
	Long:  "stdio serves one unauthenticated client as a fixed tenant. The user defaults to the operating system account running the process.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg.LogLevel)

		b, err := openBackends(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				log.WarnContext(ctx, "backends.close.fail", slog.String("err", err.Error()))
			}
		}()

		reg, err := newRegistry(ctx, b, flagTenant)
		if err != nil {
			return err
		}
		if err := watchLimits(ctx, flagLimits, b.limiter, log); err != nil {
			return err
		}

		// One client, one session: the sweep has nothing to do.
		mgr := sessions.NewManager(b.host,
			sessions.WithTTL(cfg.SessionTTL),
			sessions.WithSweepInterval(0),
			sessions.WithLogger(log),
		)

		h := stdio.New(reg, mgr, mcpservice.Identity{TenantID: flagTenant, UserID: flagUser},
			stdio.WithLogger(log),
			stdio.WithRateLimiter(b.limiter),
			stdio.WithUsageLog(b.usage),
			stdio.WithServerInfo(serverInfo()),
		)
		return h.Serve(ctx, os.Stdin, os.Stdout)
	},
}

func init() {
	stdioCmd.Flags().StringVar(&flagTenant, "tenant", "local", "tenant the client acts as")
	stdioCmd.Flags().StringVar(&flagUser, "user", "", "user the client acts as (default: current OS user)")
}
