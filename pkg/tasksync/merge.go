package tasksync

import "tasksync/pkg/task"

// Merge combines the cached list with a server snapshot. Cached order is kept
// for ids the server still has (server copies win), cache-only ids are dropped,
// and server-only ids follow in snapshot order. The result has one task per id.
func Merge(cached, snapshot []task.Task) []task.Task {
	byID := make(map[int64]task.Task, len(snapshot))
	for _, t := range snapshot {
		if _, dup := byID[t.ID]; !dup {
			byID[t.ID] = t
		}
	}

	merged := make([]task.Task, 0, len(byID))
	for _, c := range cached {
		if t, ok := byID[c.ID]; ok {
			merged = append(merged, t)
			delete(byID, c.ID)
		}
	}
	for _, t := range snapshot {
		if _, ok := byID[t.ID]; ok {
			merged = append(merged, t)
			delete(byID, t.ID)
		}
	}
	return merged
}

// Reorder puts the tasks named by ids first, in that order, followed by every
// other task in its previous relative order. Unknown and repeated ids are ignored.
func Reorder(current []task.Task, ids []int64) []task.Task {
	pending := make(map[int64]int, len(current))
	for i, t := range current {
		if _, dup := pending[t.ID]; !dup {
			pending[t.ID] = i
		}
	}

	out := make([]task.Task, 0, len(pending))
	for _, id := range ids {
		if i, ok := pending[id]; ok {
			out = append(out, current[i])
			delete(pending, id)
		}
	}
	for i, t := range current {
		if j, ok := pending[t.ID]; ok && j == i {
			out = append(out, t)
			delete(pending, t.ID)
		}
	}
	return out
}

// Dedupe keeps the first task seen for each id.
func Dedupe(tasks []task.Task) []task.Task {
	seen := make(map[int64]struct{}, len(tasks))
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

// IDs returns the ids of tasks in order.
func IDs(tasks []task.Task) []int64 {
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func indexOf(tasks []task.Task, id int64) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func clone(tasks []task.Task) []task.Task {
	return append([]task.Task(nil), tasks...)
}
