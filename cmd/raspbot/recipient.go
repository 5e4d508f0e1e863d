package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"raspbot/internal/app"
	"raspbot/internal/notifier"
	"raspbot/internal/storage"
)

func newRecipientCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recipient",
		Aliases: []string{"recipients"},
		Short:   "Manage the chats that receive notifications",
	}
	cmd.AddCommand(newRecipientAddCmd(f), newRecipientListCmd(f), newRecipientRemoveCmd(f))
	return cmd
}

// withStore runs fn against the recipient directory without starting the
// browser.
func withStore(cmd *cobra.Command, f *rootFlags, fn func(ctx context.Context, st storage.Store) error) error {
	a, err := app.New(f.config, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()
	return fn(cmd.Context(), a.Store())
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

func newRecipientAddCmd(f *rootFlags) *cobra.Command {
	var (
		daily          string
		pairs          bool
		correspondence bool
	)
	cmd := &cobra.Command{
		Use:   "add <chat-id> <department> <group>",
		Short: "Subscribe a chat to a group timetable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			if daily != "" {
				if _, err := notifier.ParseClock(daily); err != nil {
					return err
				}
			}
			if daily == "" && !pairs {
				return errors.New("nothing to subscribe: pass --daily and/or --pairs")
			}
			return withApp(cmd, f, app.Options{}, func(ctx context.Context, a *app.App) error {
				g, err := a.Fetcher().Identify(ctx, args[1], args[2], correspondence)
				if err != nil {
					return err
				}
				r := storage.Recipient{ID: id, Group: g, DailyAt: daily, PairNotifications: pairs}
				if err := a.Store().UpsertRecipient(ctx, r); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "subscribed %d to %s\n", id, g)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&daily, "daily", "", "daily digest time, HH:MM")
	cmd.Flags().BoolVar(&pairs, "pairs", false, "announce every lesson shortly before it starts")
	cmd.Flags().BoolVar(&correspondence, "correspondence", false, "correspondence (extramural) timetable")
	return cmd
}

func newRecipientListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subscribed chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				rs, err := st.AllRecipients(ctx)
				if err != nil {
					return err
				}
				return printRecipients(cmd.OutOrStdout(), rs)
			})
		},
	}
}

func newRecipientRemoveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <chat-id>",
		Short: "Unsubscribe a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, f, func(ctx context.Context, st storage.Store) error {
				if _, err := st.GetRecipient(ctx, id); err != nil {
					return err
				}
				return st.DeleteRecipient(ctx, id)
			})
		},
	}
}

func printRecipients(w io.Writer, rs []storage.Recipient) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT\tGROUP\tDAILY\tPAIRS")
	for _, r := range rs {
		daily := r.DailyAt
		if daily == "" {
			daily = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", r.ID, r.Group, daily, r.PairNotifications)
	}
	return tw.Flush()
}
