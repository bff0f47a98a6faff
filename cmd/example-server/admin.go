package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manenim/window-limiter/pkg/limiter"
)

var errProcessLocal = errors.New("the memory store lives inside the serving process; configure redis, sqlite or postgres")

type identityFlags struct {
	namespace string
	key       string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.namespace, "namespace", "", "limiter namespace (default limit.namespace)")
	cmd.Flags().StringVar(&f.key, "key", "", "limiter key, e.g. a client IP")
	_ = cmd.MarkFlagRequired("key")
}

func (f *identityFlags) identity(a *app) limiter.Identity {
	ns := f.namespace
	if ns == "" {
		ns = a.cfg.Limit.Namespace
	}
	return limiter.Identity{Namespace: limiter.Namespace(ns), Key: f.key}
}

// withLimiter opens the shared store and builds the Limiter of one identity.
func withLimiter(cmd *cobra.Command, a *app, id limiter.Identity, fn func(*backend, *limiter.Limiter) error) error {
	if a.cfg.Store.Driver == "memory" {
		return errProcessLocal
	}
	be, err := openBackend(cmd.Context(), a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer be.close()

	l, err := limiter.New(be.store, id, limitFromConfig(a.cfg),
		limiter.WithClock(clockFromConfig(a.cfg)),
		limiter.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	return fn(be, l)
}

func newStatusCmd(a *app) *cobra.Command {
	var f identityFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current window of a limiter key",
		Long: `Show hits, remaining budget and wait time of the current window. Like any
limiter call, this starts a new window when the stored one has elapsed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiter(cmd, a, f.identity(a), func(_ *backend, l *limiter.Limiter) error {
				ctx := cmd.Context()
				ts := l.Now()
				hits, err := l.Hits(ctx, ts)
				if err != nil {
					return err
				}
				wait, err := l.TimeToWait(ctx, ts)
				if err != nil {
					return err
				}
				start, err := l.StartTime(ctx, ts)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "identity\t%s\n", l.Identity())
				fmt.Fprintf(w, "limit\t%d per %d\n", l.Rate(), l.Period())
				fmt.Fprintf(w, "window\t[%d, %d)\n", start, start+l.Period())
				fmt.Fprintf(w, "hits\t%d\n", hits)
				fmt.Fprintf(w, "remaining\t%d\n", max(l.Rate()-hits, 0))
				fmt.Fprintf(w, "wait\t%d\n", wait)
				return w.Flush()
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var (
		f   identityFlags
		del bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Start a fresh window for a limiter key",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := f.identity(a)
			return withLimiter(cmd, a, id, func(be *backend, l *limiter.Limiter) error {
				if del {
					if err := be.Delete(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
					return nil
				}
				start, err := l.Reset(cmd.Context(), l.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s: window starts at %d\n", id, start)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&del, "delete", false, "remove the stored state instead of starting a new window")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored windows (sqlite and postgres stores)",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch a.cfg.Store.Driver {
			case "sqlite", "postgres":
			default:
				return fmt.Errorf("list is not supported by the %s store", a.cfg.Store.Driver)
			}
			be, err := openBackend(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer be.close()

			entries, err := be.sql.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tHITS\tSTART")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%d\n", e.Key, e.State.Hits, e.State.StartTime)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys starting with this prefix, e.g. \"http:\"")
	return cmd
}
