package main

import (
	"fmt"

	"github.com/netly/fleetwatch/internal/presentation"
	"github.com/spf13/cobra"
)

var (
	tasksPage int
	tasksJSON bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Query and control controller tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print one page of the task list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		registry := rt.registry()
		if err := registry.LoadPage(cmd.Context(), tasksPage); err != nil {
			return err
		}

		formatter := presentation.NewFormatter(cmd.OutOrStdout())
		if tasksJSON {
			return formatter.FormatJSON(registry.Tasks())
		}
		return formatter.FormatTasks(registry.Tasks(), registry.Page(), registry.PageSize(), registry.Total())
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print one task with its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		task, err := rt.registry().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		formatter := presentation.NewFormatter(cmd.OutOrStdout())
		if tasksJSON {
			return formatter.FormatJSON(task)
		}
		return formatter.FormatTask(*task)
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Ask the controller to cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.registry().Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
		return nil
	},
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Ask the controller to retry a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.registry().Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "retry requested for %s\n", args[0])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().IntVarP(&tasksPage, "page", "p", 1, "page to print")
	tasksCmd.PersistentFlags().BoolVar(&tasksJSON, "json", false, "print JSON instead of a table")

	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksCancelCmd, tasksRetryCmd)
	rootCmd.AddCommand(tasksCmd)
}
