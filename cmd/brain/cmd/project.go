package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects and their memory pools",
	}
	cmd.AddCommand(newProjectCreateCmd())
	cmd.AddCommand(newProjectListCmd())
	cmd.AddCommand(newProjectPrefetchCmd())
	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	var description string
	var tags []string

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.CreateProject(ctx, args[0], description, tags)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "project description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "a project tag (repeatable)")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			projects, err := a.ListProjects(ctx)
			if err != nil {
				return err
			}
			return printJSON(projects)
		},
	}
}

func newProjectPrefetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch [project-id]",
		Short: "Warm a project's memory pool and the reranker's semantic cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.PrefetchProject(ctx, args[0])
			if err != nil {
				return fmt.Errorf("prefetch: %w", err)
			}
			return printJSON(stats)
		},
	}
}
