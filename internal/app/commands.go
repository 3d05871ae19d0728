package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bangate/internal/app/server"
	"bangate/internal/app/version"
	"bangate/internal/auth"
	"bangate/internal/backup"
	"bangate/internal/gate"
	"bangate/internal/gateway"
	"bangate/internal/geolite"
	"bangate/internal/moderation"
	"bangate/internal/notify"
	"bangate/internal/support"
)

const commandTimeout = 30 * time.Second

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH host and the admin API",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := openComponents(c.cfg)
	if err != nil {
		return err
	}
	defer comps.Close()
	comps.checkDatabase(ctx)

	var geo *geolite.Locator
	if c.cfg.GeoLiteCountryDB != "" {
		if geo, err = geolite.Open(c.cfg.GeoLiteCountryDB); err != nil {
			log.Warn("country lookups disabled", "error", err)
		}
		defer geo.Close()
	}

	loop := gateway.NewLoop(256)
	loop.Start(ctx)
	defer loop.Stop()

	sessions := server.NewSessionRegistry()
	notifier := newNotifier(c.cfg.Redis)
	defer func() {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}()

	svc := moderation.New(comps.store, comps.gw, loop, moderation.Options{
		Sessions: sessions,
		Notifier: notifier,
		Metrics:  comps.metrics,
	})
	loginGate := gate.New(comps.store, comps.gw, gate.Options{
		Timeout: c.cfg.Gate.Timeout,
		Metrics: comps.metrics,
		Geo:     geo,
	})

	host, err := server.NewHost(c.cfg.SSH, loginGate, sessions, svc, loop)
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(c.cfg.HTTP.JWTSecret)
	if err != nil && !errors.Is(err, auth.ErrNoSecret) {
		return err
	}
	api := &server.API{
		Store:      comps.store,
		Gateway:    comps.gw,
		Moderation: svc,
		Gate:       loginGate,
		Metrics:    comps.metrics,
		Auth:       authenticator,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return host.Serve(groupCtx) })
	group.Go(func() error { return server.ServeHTTP(groupCtx, c.cfg.HTTP.Addr, api.Routes()) })

	if redisNotifier, ok := notifier.(*notify.RedisNotifier); ok {
		group.Go(func() error {
			redisNotifier.Subscribe(groupCtx, svc.ApplyRemote)
			return nil
		})
	}

	log.Info("bangate started", "version", version.Get().BuildVersion, "gate_timeout", c.cfg.Gate.Timeout, "workers", c.cfg.Gateway.Workers)
	return group.Wait()
}

func (c *cli) banCommand() *cobra.Command {
	var issuer string
	cmd := &cobra.Command{
		Use:   "ban <name|ip> <reason...>",
		Short: "Ban a player name or an IPv4 address",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runModeration(cmd, func(svc *moderation.Service, reply func(moderation.Reply)) {
				svc.HandleBan(issuer, args, reply)
			})
		},
	}
	cmd.Flags().StringVar(&issuer, "by", moderation.ConsoleIssuer, "issuer recorded with the ban")
	return cmd
}

func (c *cli) unbanCommand() *cobra.Command {
	var issuer string
	cmd := &cobra.Command{
		Use:   "unban <name|ip>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runModeration(cmd, func(svc *moderation.Service, reply func(moderation.Reply)) {
				svc.HandleUnban(issuer, args, reply)
			})
		},
	}
	cmd.Flags().StringVar(&issuer, "by", moderation.ConsoleIssuer, "issuer recorded in the notice")
	return cmd
}

// runModeration executes one command without a foreground loop; the reply
// arrives on a worker goroutine.
func (c *cli) runModeration(cmd *cobra.Command, run func(*moderation.Service, func(moderation.Reply))) error {
	comps, err := openComponents(c.cfg)
	if err != nil {
		return err
	}
	defer comps.Close()
	defer func() { _ = support.CloseRedisClient() }()

	svc := moderation.New(comps.store, comps.gw, nil, moderation.Options{
		Notifier: newNotifier(c.cfg.Redis),
		Metrics:  comps.metrics,
	})

	replies := make(chan moderation.Reply, 1)
	run(svc, func(r moderation.Reply) { replies <- r })

	select {
	case r := <-replies:
		fmt.Fprintln(cmd.OutOrStdout(), r.Text)
		if !r.OK {
			return errors.New(r.Text)
		}
		return nil
	case <-time.After(commandTimeout):
		return fmt.Errorf("no reply within %s", commandTimeout)
	}
}

func (c *cli) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <name> <address>",
		Short: "Run the login gate for a name and source address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := openComponents(c.cfg)
			if err != nil {
				return err
			}
			defer comps.Close()

			g := gate.New(comps.store, comps.gw, gate.Options{Timeout: c.cfg.Gate.Timeout})
			d := g.Decide(cmd.Context(), gate.Attempt{Name: args[0], Addr: args[1]})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verdict: %s\nstage: %s\n", d.Verdict, d.Stage)
			if d.FailOpen {
				fmt.Fprintln(out, "fail-open: ban lookup did not complete")
			}
			if d.Message != "" {
				fmt.Fprintln(out, d.Message)
			}
			return nil
		},
	}
}

func (c *cli) exportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all bans as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			comps, err := openComponents(c.cfg)
			if err != nil {
				return err
			}
			defer comps.Close()

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			doc, err := backup.Export(ctx, comps.store, w)
			if err != nil {
				return err
			}
			log.Info("export complete", "player_bans", len(doc.PlayerBans), "ip_bans", len(doc.IPBans))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	return cmd
}

func (c *cli) importCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert every ban from a YAML export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := openComponents(c.cfg)
			if err != nil {
				return err
			}
			defer comps.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*commandTimeout)
			defer cancel()

			res, err := backup.Import(ctx, comps.store, f, concurrency)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d bans, %d rejected\n", res.Imported, len(res.Failed))
			for _, failure := range res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", failure)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", backup.DefaultConcurrency, "parallel upserts")
	return cmd
}

func (c *cli) tokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			authenticator, err := auth.NewAuthenticator(c.cfg.HTTP.JWTSecret)
			if err != nil {
				return err
			}
			token, err := authenticator.GenerateJWT(subject, auth.RoleAdmin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "issuer name recorded on bans made with this token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			return nil
		},
	}
}
