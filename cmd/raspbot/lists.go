package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"raspbot/internal/app"
	"raspbot/internal/fetcher"
)

func newDepartmentsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "departments",
		Short: "List departments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, f, app.Options{}, func(ctx context.Context, a *app.App) error {
				deps, err := a.Fetcher().Departments(ctx)
				if err != nil {
					return err
				}
				return printDepartments(cmd.OutOrStdout(), deps)
			})
		},
	}
}

func newGroupsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "groups <department>",
		Short: "List the groups of a department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, app.Options{}, func(ctx context.Context, a *app.App) error {
				gs, err := a.Fetcher().Groups(ctx, args[0])
				if err != nil {
					return err
				}
				return printGroups(cmd.OutOrStdout(), gs)
			})
		},
	}
}

func printDepartments(w io.Writer, deps fetcher.Departments) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range slices.Sorted(maps.Keys(deps)) {
		fmt.Fprintf(tw, "%s\t%s\n", name, deps[name])
	}
	return tw.Flush()
}

func printGroups(w io.Writer, gs fetcher.Groups) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tDEPARTMENT ID\tGROUP ID")
	for _, name := range slices.Sorted(maps.Keys(gs)) {
		ref := gs[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, ref.DepartmentID, ref.GroupID)
	}
	return tw.Flush()
}
