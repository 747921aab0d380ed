package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasksync/pkg/push"
	"tasksync/pkg/task"
	"tasksync/pkg/taskapi"
	"tasksync/pkg/tasksync"
)

func listCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show tasks in list order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			printTasks(cmd, opts, visible(cmd, sess.Engine.Tasks()))
			return nil
		},
	}
	cmd.Flags().BoolP("all", "a", false, "include completed tasks")
	cmd.Flags().IntP("priority", "p", 0, "only show tasks with this priority")
	return cmd
}

func addCmd(opts *rootOptions) *cobra.Command {
	var (
		description string
		priority    int
		due         string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDue(due)
			if err != nil {
				return err
			}
			sess, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			created, err := sess.Engine.Create(cmd.Context(), task.Task{
				Name:        args[0],
				Description: description,
				Priority:    priority,
				DueDate:     dueDate,
			})
			if err != nil {
				return userError(err)
			}
			printTasks(cmd, opts, []task.Task{created})
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority 1-10 (default 5)")
	cmd.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD or RFC 3339")
	cmd.MarkFlagRequired("due")
	return cmd
}

func editCmd(opts *rootOptions) *cobra.Command {
	var (
		name        string
		description string
		priority    int
		due         string
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a task's fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			sess, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			t, ok := find(sess.Engine.Tasks(), ids[0])
			if !ok {
				return fmt.Errorf("task %d not found", ids[0])
			}
			flags := cmd.Flags()
			if flags.Changed("name") {
				t.Name = name
			}
			if flags.Changed("description") {
				t.Description = description
			}
			if flags.Changed("priority") {
				t.Priority = priority
			}
			if flags.Changed("due") {
				if t.DueDate, err = parseDue(due); err != nil {
					return err
				}
			}
			if err := sess.Engine.Update(cmd.Context(), t); err != nil {
				return userError(err)
			}
			updated, _ := find(sess.Engine.Tasks(), t.ID)
			printTasks(cmd, opts, []task.Task{updated})
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "new name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "new priority 1-10")
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	return cmd
}

func completeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>...",
		Short: "Mark tasks done",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			sess, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, id := range ids {
				if err := sess.Engine.Complete(cmd.Context(), id); err != nil {
					return err
				}
				t, ok := find(sess.Engine.Tasks(), id)
				switch {
				case !ok:
					fmt.Fprintf(cmd.ErrOrStderr(), "task %d not found\n", id)
				case !t.IsDone():
					fmt.Fprintf(cmd.ErrOrStderr(), "task %d could not be completed on the server\n", id)
				}
			}
			return nil
		},
	}
}

func deleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete tasks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			sess, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, id := range ids {
				if err := sess.Engine.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func reorderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <id>...",
		Short: "Move tasks to the top in the given order",
		Long: `Move the given tasks to the top of the list in the given order. Tasks not
named keep their relative order after them. Connected clients are told about
the new order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			sess, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.Connect(cmd.Context()); err != nil {
				log.WithError(err).Debug("push connect")
				fmt.Fprintln(cmd.ErrOrStderr(), "not connected; other clients will see the new order after they reload")
			}
			if err := sess.Engine.Reorder(cmd.Context(), ids); err != nil {
				return err
			}
			printTasks(cmd, opts, sess.Engine.Tasks())
			return nil
		},
	}
}

func watchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the list whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			changes := make(chan tasksync.Change, 16)
			sess.Engine.OnChange(func(c tasksync.Change) {
				select {
				case changes <- c:
				default:
				}
			})
			closed := make(chan struct{}, 1)
			sess.Push.OnState(func(s push.State) {
				fmt.Fprintf(cmd.ErrOrStderr(), "push channel %s\n", s)
				if s == push.Closed {
					select {
					case closed <- struct{}{}:
					default:
					}
				}
			})
			if err := sess.Connect(ctx); err != nil {
				return err
			}
			printTasks(cmd, opts, sess.Engine.Tasks())

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-closed:
					if ctx.Err() != nil {
						return nil
					}
					return errors.New("lost connection to the server")
				case c := <-changes:
					if !opts.json {
						fmt.Fprintf(cmd.OutOrStdout(), "--- %s", c.Kind)
						if c.ID != 0 {
							fmt.Fprintf(cmd.OutOrStdout(), " #%d", c.ID)
						}
						fmt.Fprintln(cmd.OutOrStdout())
					}
					printTasks(cmd, opts, c.Tasks)
				}
			}
		},
	}
}

// userError unwraps validation rejections to their message and flags server
// outages.
func userError(err error) error {
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve):
		return errors.New(ve.Message)
	case taskapi.IsUnavailable(err):
		return fmt.Errorf("task server unavailable, nothing was saved: %w", err)
	}
	return err
}
