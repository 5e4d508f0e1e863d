package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"raspbot/internal/app"
	"raspbot/internal/notifier"
)

func newTriggerCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire a notification loop once",
	}
	cmd.AddCommand(newTriggerPairsCmd(f), newTriggerDigestCmd(f))
	return cmd
}

func notifierOf(a *app.App) (*notifier.Service, error) {
	n := a.Notifier()
	if n == nil {
		return nil, errors.New("notifier unavailable: telegram token not configured")
	}
	return n, nil
}

func newTriggerPairsCmd(f *rootFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Announce the lesson starting at --at today",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := notifier.ParseClock(at)
			if err != nil {
				return err
			}
			return withApp(cmd, f, app.Options{NeedToken: true}, func(ctx context.Context, a *app.App) error {
				n, err := notifierOf(a)
				if err != nil {
					return err
				}
				res, err := n.FirePairs(ctx, start.On(time.Now().In(a.Location())))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "lesson %s: groups=%d notified=%d skipped=%d\n",
					start, res.Groups, res.Notified, res.Skipped)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "lesson start time, HH:MM")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newTriggerDigestCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Send the daily digest to every subscribed recipient now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, f, app.Options{NeedToken: true}, func(ctx context.Context, a *app.App) error {
				n, err := notifierOf(a)
				if err != nil {
					return err
				}
				sent, err := n.DigestNow(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "digests sent: %d\n", sent)
				return err
			})
		},
	}
}
