package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"raspbot/internal/app"
	"raspbot/internal/export"
	"raspbot/internal/timetable"
)

type scheduleFlags struct {
	day            int
	today          bool
	correspondence bool
	ics            string
}

func newScheduleCmd(f *rootFlags) *cobra.Command {
	sf := &scheduleFlags{}
	cmd := &cobra.Command{
		Use:   "schedule <department> <group>",
		Short: "Print or export the timetable of a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, app.Options{}, func(ctx context.Context, a *app.App) error {
				g, err := a.Fetcher().Identify(ctx, args[0], args[1], sf.correspondence)
				if err != nil {
					return err
				}
				raw, err := a.Fetcher().Schedule(ctx, g)
				if err != nil {
					return err
				}
				now := time.Now().In(a.Location())
				s := pickDays(timetable.Transform(raw), sf, now)
				if sf.ics != "" {
					return writeICS(sf.ics, g, s, a.Location(), now, cmd.OutOrStdout())
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), s.Format())
				return err
			})
		},
	}
	cmd.Flags().IntVar(&sf.day, "day", -1, "day index (0 = Sunday); whole week when negative")
	cmd.Flags().BoolVar(&sf.today, "today", false, "only today")
	cmd.Flags().BoolVar(&sf.correspondence, "correspondence", false, "correspondence (extramural) timetable")
	cmd.Flags().StringVar(&sf.ics, "ics", "", "write an ICS calendar to this file instead of printing")
	cmd.MarkFlagsMutuallyExclusive("day", "today")
	return cmd
}

func pickDays(s timetable.Schedule, sf *scheduleFlags, now time.Time) timetable.Schedule {
	switch {
	case sf.today:
		return s.Today(now)
	case sf.day >= 0:
		return s.Day(sf.day)
	default:
		return s
	}
}

func writeICS(path string, g timetable.GroupIdentity, s timetable.Schedule, loc *time.Location, now time.Time, out io.Writer) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := export.ICS(file, g, s, loc, now); err != nil {
		_ = file.Close()
		return fmt.Errorf("export ics: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "exported %s to %s\n", g.GroupName, path)
	return err
}
