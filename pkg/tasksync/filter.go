package tasksync

import "tasksync/pkg/task"

// Filter selects the visible subset of the list. The zero value hides done
// tasks and shows every priority.
type Filter struct {
	ShowDone bool
	Priority int // 0 = all priorities
}

// Visible returns the tasks a presenter should render, in list order.
func Visible(tasks []task.Task, f Filter) []task.Task {
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsDone() && !f.ShowDone {
			continue
		}
		if f.Priority != 0 && t.Priority != f.Priority {
			continue
		}
		out = append(out, t)
	}
	return out
}
