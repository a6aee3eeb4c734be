package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/tabtime/internal/api"
	"github.com/g960059/tabtime/internal/appclient"
	"github.com/g960059/tabtime/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd(nil).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientFactory func(socketPath string) *appclient.Client

func newRootCmd(newClient clientFactory) *cobra.Command {
	if newClient == nil {
		newClient = appclient.New
	}
	var socketPath string
	var asJSON bool

	root := &cobra.Command{
		Use:           "tabtime",
		Short:         "Inspect and control the tabtime daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultConfig().SocketPath, "UDS path of tabtimed")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	client := func() *appclient.Client { return newClient(socketPath) }
	out := &printer{json: &asJSON}

	root.AddCommand(newStatusCmd(client, out))
	root.AddCommand(newSessionsCmd(client, out))
	root.AddCommand(newSummaryCmd(client, out))
	root.AddCommand(newStopCmd(client, out))
	root.AddCommand(newConsolidateCmd(client, out))
	root.AddCommand(newWatchCmd(client, out))
	return root
}

type printer struct {
	json *bool
}

// emit prints v as JSON when --json is set, otherwise runs text.
func (p *printer) emit(w io.Writer, v any, text func(w io.Writer) error) error {
	if *p.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func newStatusCmd(client func() *appclient.Client, out *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracker state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return out.emit(cmd.OutOrStdout(), st, func(w io.Writer) error {
				_, _ = fmt.Fprintf(w, "state: %s\n", st.State)
				if st.Current != nil {
					_, _ = fmt.Fprintf(w, "tracking: %s (tab %d) since %s, %s unsaved\n",
						st.Current.Domain, st.Current.TabID,
						st.Current.StartTime.Local().Format(time.Kitchen),
						seconds(int64(st.Current.UnsavedSeconds)))
				}
				if st.Paused != nil {
					_, _ = fmt.Fprintf(w, "paused: %s\n", st.Paused.Domain)
				}
				for _, g := range st.Grace {
					_, _ = fmt.Fprintf(w, "grace: %s (%s)\n", g.Domain, seconds(int64(g.DurationSeconds)))
				}
				if st.SyncHealth != "" {
					_, _ = fmt.Fprintf(w, "sync: %s\n", st.SyncHealth)
				}
				_, _ = fmt.Fprintf(w, "pending events: %d\n", st.PendingEvents)
				return nil
			})
		},
	}
}

func newSessionsCmd(client func() *appclient.Client, out *printer) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List session records of a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := client().Sessions(cmd.Context(), day)
			if err != nil {
				return err
			}
			return out.emit(cmd.OutOrStdout(), env, func(w io.Writer) error {
				if len(env.Sessions) == 0 {
					_, _ = fmt.Fprintf(w, "no sessions on %s\n", env.Day)
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "DOMAIN\tSTATUS\tDURATION\tVISITS\tSTARTED")
				for _, s := range env.Sessions {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						s.Domain, s.Status, seconds(s.DurationSeconds), s.Visits, s.StartTime.Local().Format(time.Kitchen))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func newSummaryCmd(client func() *appclient.Client, out *printer) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show time per domain for a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := client().Summary(cmd.Context(), day)
			if err != nil {
				return err
			}
			return out.emit(cmd.OutOrStdout(), env, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, d := range env.Domains {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Domain, seconds(d.Seconds), d.Sessions)
				}
				_, _ = fmt.Fprintf(tw, "total\t%s\t\n", seconds(env.TotalSeconds))
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func newStopCmd(client func() *appclient.Client, out *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Finalize the current session and stop tracking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client().Stop(cmd.Context())
			if err != nil {
				return err
			}
			return out.emit(cmd.OutOrStdout(), resp, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "stopped, state: %s\n", resp.State)
				return err
			})
		},
	}
}

func newConsolidateCmd(client func() *appclient.Client, out *printer) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge duplicate records of a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client().Consolidate(cmd.Context(), day)
			if err != nil {
				return err
			}
			return out.emit(cmd.OutOrStdout(), resp, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: merged %d buckets, removed %d records\n", resp.Day, resp.Buckets, resp.Removed)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func newWatchCmd(client func() *appclient.Client, out *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream session notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			err := client().Notifications(cmd.Context(), func(n api.Notification) error {
				return out.emit(w, n, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s\t%s\t%s\n", n.At.Local().Format(time.TimeOnly), n.Kind, n.Domain)
					return err
				})
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, appclient.ErrStreamClosed) {
				return nil
			}
			return err
		},
	}
}

func seconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}
