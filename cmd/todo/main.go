package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasksync/internal/session"
	"tasksync/pkg/task"
	"tasksync/pkg/tasksync"
)

var Version = "dev"

type rootOptions struct {
	apiBase   string
	cachePath string
	debug     bool
	json      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	env := session.ConfigFromEnv()
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "todo",
		Short:         "Offline-first task list synced with a tasksync server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(cmd.ErrOrStderr())
			if opts.debug {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.ErrorLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.apiBase, "api", env.APIBase, "task server base URL (API_BASE)")
	rootCmd.PersistentFlags().StringVar(&opts.cachePath, "cache", env.CachePath, "local cache file (TASKSYNC_CACHE)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", os.Getenv("DEBUG") != "", "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&opts.json, "json", "j", false, "print JSON")

	rootCmd.AddCommand(listCmd(opts))
	rootCmd.AddCommand(addCmd(opts))
	rootCmd.AddCommand(editCmd(opts))
	rootCmd.AddCommand(completeCmd(opts))
	rootCmd.AddCommand(deleteCmd(opts))
	rootCmd.AddCommand(reorderCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))
	return rootCmd
}

// open builds a session and loads the merged list.
func open(ctx context.Context, opts *rootOptions) (*session.Session, error) {
	sess, err := session.Open(ctx, session.Config{
		APIBase:   opts.apiBase,
		CachePath: opts.cachePath,
	})
	if err != nil {
		return nil, err
	}
	if _, err := sess.Engine.Load(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func find(tasks []task.Task, id int64) (task.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return task.Task{}, false
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return d.Add(24*time.Hour - time.Second), nil
}

func printTasks(cmd *cobra.Command, opts *rootOptions, tasks []task.Task) {
	if opts.json {
		printJSON(cmd, tasks)
		return
	}
	w := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(w, "(no tasks)")
		return
	}
	for _, t := range tasks {
		mark := " "
		if t.IsDone() {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s] %-5d P%-2d %s  %s\n", mark, t.ID, t.Priority, t.DueDate.Local().Format("2006-01-02"), t.Name)
		if d := strings.TrimSpace(t.Description); d != "" {
			fmt.Fprintf(w, "              %s\n", d)
		}
	}
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func visible(cmd *cobra.Command, tasks []task.Task) []task.Task {
	all, _ := cmd.Flags().GetBool("all")
	priority, _ := cmd.Flags().GetInt("priority")
	return tasksync.Visible(tasks, tasksync.Filter{ShowDone: all, Priority: priority})
}
