package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"raspbot/internal/app"
	"raspbot/internal/config"
)

type rootFlags struct {
	config string
	env    string
	wait   time.Duration
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "raspbot",
		Short: "University timetable notifier for Telegram",
		Long: `raspbot scrapes the university timetable through a headless browser and
sends lesson reminders and daily digests to Telegram chats.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotenv(f.env)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.yaml", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&f.env, "env", ".env", "dotenv file with secrets; missing file is ignored")
	root.PersistentFlags().DurationVar(&f.wait, "browser-wait", time.Minute, "how long one-shot commands wait for the browser")

	root.AddCommand(
		newRunCmd(f),
		newDepartmentsCmd(f),
		newGroupsCmd(f),
		newScheduleCmd(f),
		newRecipientCmd(f),
		newTriggerCmd(f),
	)
	return root
}

// withApp runs fn against a started one-shot app with a ready browser.
func withApp(cmd *cobra.Command, f *rootFlags, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(f.config, opts)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopAppStop)
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, f.wait)
	defer cancel()
	if err := a.Browser().WaitReady(readyCtx); err != nil {
		if serr := a.Err(); serr != nil {
			return serr
		}
		return fmt.Errorf("browser: %w", err)
	}
	return fn(ctx, a)
}
