package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/presentation"
	"github.com/spf13/cobra"
)

var errTaskFailed = errors.New("task failed")

var (
	watchTask string
	watchPage int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show the live task list and save built images",
	Long: `Open the task status channel and keep one page of the task list current.

While this session holds leadership, images of finished builds are saved to
downloads.dir. Pass --task to also stream the output of one task.

Examples:
  fleetwatch watch
  fleetwatch watch --page 2
  fleetwatch watch --task 3f0c9a2e-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		session, err := rt.session(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		formatter := presentation.NewFormatter(out)
		var printMu sync.Mutex
		session.Tasks.OnChange(func() {
			printMu.Lock()
			defer printMu.Unlock()
			tasks := session.Tasks
			if err := formatter.FormatTasks(tasks.Tasks(), tasks.Page(), tasks.PageSize(), tasks.Total()); err != nil {
				rt.log.Warnw("render_failed", "error", err)
			}
		})

		if watchTask != "" {
			follower := presentation.NewFollower(out)
			session.Detail.Listen(func(t domain.DetailedTask) {
				printMu.Lock()
				defer printMu.Unlock()
				follower.Update(t)
			})
			if err := session.Detail.Subscribe(watchTask); err != nil {
				return err
			}
		}

		session.Start(ctx)
		defer session.Close()

		if err := session.Tasks.LoadPage(ctx, watchPage); err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <task-id>",
	Short: "Stream the output of one task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		session, err := rt.session(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		follower := presentation.NewFollower(cmd.OutOrStdout())
		finished := make(chan domain.DetailedTask, 1)
		session.Detail.Listen(func(t domain.DetailedTask) {
			follower.Update(t)
			if t.State.Terminal() {
				select {
				case finished <- t:
				default:
				}
			}
		})
		if err := session.Detail.Subscribe(args[0]); err != nil {
			return err
		}

		session.Start(ctx)
		defer session.Close()

		select {
		case <-ctx.Done():
			return nil
		case t := <-finished:
			if t.State == domain.TaskStateFailed {
				reason := "unknown error"
				if t.Exception != nil {
					reason = *t.Exception
				}
				return fmt.Errorf("%w: %s: %s", errTaskFailed, t.ID, reason)
			}
			return nil
		}
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchTask, "task", "t", "", "stream the output of this task")
	watchCmd.Flags().IntVarP(&watchPage, "page", "p", 1, "task list page to show")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(followCmd)
}
