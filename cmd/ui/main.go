package main

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gioui.org/app"
	"gioui.org/font"
	"gioui.org/font/gofont"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"
	log "github.com/sirupsen/logrus"

	"tasksync/internal/session"
	"tasksync/pkg/push"
	"tasksync/pkg/task"
	"tasksync/pkg/tasksync"
)

var theme *material.Theme

// Pages
const (
	pageTasks = iota
	pageStatus
)

const dateLayout = "2006-01-02"

type row struct {
	complete widget.Clickable
	remove   widget.Clickable
	up       widget.Clickable
	down     widget.Clickable
}

type UI struct {
	sess   *session.Session
	window *app.Window
	logger *log.Entry

	currentPage int

	// Nav buttons
	navTasks  widget.Clickable
	navStatus widget.Clickable

	// Tasks
	taskList       widget.List
	rows           map[int64]*row
	nameEditor     widget.Editor
	priorityEditor widget.Editor
	dueEditor      widget.Editor
	createBtn      widget.Clickable
	showDone       widget.Bool
	priorityBtn    widget.Clickable
	priorityFilter int

	// Status
	reconnectBtn widget.Clickable
	reloadBtn    widget.Clickable

	// written from engine and push goroutines
	mu      sync.Mutex
	tasks   []task.Task
	state   string
	message string
}

func main() {
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.WithField("component", "ui")

	theme = material.NewTheme()
	theme.Shaper = text.NewShaper(text.WithCollection(gofont.Collection()))
	theme.Palette.Bg = color.NRGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xFF}
	theme.Palette.Fg = color.NRGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}
	theme.Palette.ContrastBg = color.NRGBA{R: 0x30, G: 0x60, B: 0xA0, A: 0xFF}
	theme.Palette.ContrastFg = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

	cfg := session.ConfigFromEnv()
	cfg.Logger = logger
	sess, err := session.Open(context.Background(), cfg)
	if err != nil {
		logger.WithError(err).Fatal("open session")
	}

	ui := &UI{
		sess:   sess,
		window: new(app.Window),
		logger: logger,
		rows:   make(map[int64]*row),
		state:  "connecting",
	}
	ui.taskList.Axis = layout.Vertical
	ui.nameEditor.SingleLine = true
	ui.priorityEditor.SingleLine = true
	ui.dueEditor.SingleLine = true
	ui.dueEditor.SetText(time.Now().AddDate(0, 0, 1).Format(dateLayout))

	sess.Engine.OnChange(ui.onChange)
	sess.Push.OnState(ui.onState)

	go ui.start()

	go func() {
		ui.window.Option(app.Title("tasksync"))
		ui.window.Option(app.Size(unit.Dp(900), unit.Dp(700)))
		err := ui.run(ui.window)
		sess.Close()
		if err != nil {
			logger.WithError(err).Fatal("window")
		}
		os.Exit(0)
	}()
	app.Main()
}

// start loads the cached and server lists, then connects for live updates.
func (ui *UI) start() {
	ctx := context.Background()
	if _, err := ui.sess.Engine.Load(ctx); err != nil {
		ui.setMessage("Could not save tasks locally: " + err.Error())
	}
	if err := ui.sess.Connect(ctx); err != nil {
		ui.logger.WithError(err).Warn("push unavailable")
		ui.setState("offline")
	}
}

// onChange runs with the engine locked; it only copies state and redraws.
func (ui *UI) onChange(c tasksync.Change) {
	ui.mu.Lock()
	ui.tasks = c.Tasks
	if c.Err != nil {
		ui.message = "Could not save tasks locally: " + c.Err.Error()
	}
	ui.mu.Unlock()
	ui.window.Invalidate()
}

func (ui *UI) onState(s push.State) {
	ui.setState(strings.ToLower(s.String()))
}

func (ui *UI) setState(s string) {
	ui.mu.Lock()
	ui.state = s
	ui.mu.Unlock()
	ui.window.Invalidate()
}

func (ui *UI) setMessage(msg string) {
	ui.mu.Lock()
	ui.message = msg
	ui.mu.Unlock()
	ui.window.Invalidate()
}

func (ui *UI) snapshot() (tasks []task.Task, state, message string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	return ui.tasks, ui.state, ui.message
}

func (ui *UI) filter() tasksync.Filter {
	return tasksync.Filter{ShowDone: ui.showDone.Value, Priority: ui.priorityFilter}
}

func (ui *UI) run(w *app.Window) error {
	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			ui.handleClicks(gtx)
			ui.layout(gtx)
			e.Frame(gtx.Ops)
		}
	}
}

func (ui *UI) handleClicks(gtx layout.Context) {
	if ui.navTasks.Clicked(gtx) {
		ui.currentPage = pageTasks
	}
	if ui.navStatus.Clicked(gtx) {
		ui.currentPage = pageStatus
	}
	if ui.createBtn.Clicked(gtx) {
		if t, err := ui.readForm(); err != nil {
			ui.setMessage(err.Error())
		} else {
			ui.nameEditor.SetText("")
			go ui.create(t)
		}
	}
	if ui.priorityBtn.Clicked(gtx) {
		ui.priorityFilter = (ui.priorityFilter + 1) % 11
	}
	if ui.reconnectBtn.Clicked(gtx) {
		go ui.start()
	}
	if ui.reloadBtn.Clicked(gtx) {
		go ui.act(func(ctx context.Context) error {
			_, err := ui.sess.Engine.Load(ctx)
			return err
		})
	}

	tasks, _, _ := ui.snapshot()
	visible := tasksync.IDs(tasksync.Visible(tasks, ui.filter()))
	for i, id := range visible {
		r := ui.rows[id]
		if r == nil {
			continue
		}
		if r.complete.Clicked(gtx) {
			go ui.act(func(ctx context.Context) error { return ui.sess.Engine.Complete(ctx, id) })
		}
		if r.remove.Clicked(gtx) {
			go ui.act(func(ctx context.Context) error { return ui.sess.Engine.Delete(ctx, id) })
		}
		if r.up.Clicked(gtx) && i > 0 {
			go ui.reorder(swap(visible, i, i-1))
		}
		if r.down.Clicked(gtx) && i < len(visible)-1 {
			go ui.reorder(swap(visible, i, i+1))
		}
	}
}

func swap(ids []int64, i, j int) []int64 {
	out := append([]int64(nil), ids...)
	out[i], out[j] = out[j], out[i]
	return out
}

func (ui *UI) readForm() (task.Task, error) {
	t := task.Task{Name: strings.TrimSpace(ui.nameEditor.Text())}
	if p := strings.TrimSpace(ui.priorityEditor.Text()); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return t, errors.New("Priority must be a number.")
		}
		t.Priority = n
	}
	due, err := time.ParseInLocation(dateLayout, strings.TrimSpace(ui.dueEditor.Text()), time.Local)
	if err != nil {
		return t, errors.New("Due date must look like " + dateLayout + ".")
	}
	t.DueDate = due.Add(24*time.Hour - time.Second)
	return t, nil
}

func (ui *UI) create(t task.Task) {
	_, err := ui.sess.Engine.Create(context.Background(), t)
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve):
		ui.setMessage(ve.Message)
	case err != nil:
		ui.setMessage("Could not create task: " + err.Error())
	default:
		ui.setMessage("")
	}
}

func (ui *UI) act(fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		ui.setMessage(err.Error())
	}
}

func (ui *UI) reorder(visible []int64) {
	ui.act(func(ctx context.Context) error { return ui.sess.Engine.Reorder(ctx, visible) })
}

func (ui *UI) layout(gtx layout.Context) layout.Dimensions {
	return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return ui.layoutNav(gtx)
		}),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(16)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				switch ui.currentPage {
				case pageStatus:
					return ui.layoutStatus(gtx)
				default:
					return ui.layoutTasks(gtx)
				}
			})
		}),
	)
}

func (ui *UI) layoutNav(gtx layout.Context) layout.Dimensions {
	_, state, _ := ui.snapshot()
	gtx.Constraints.Min.X = gtx.Dp(unit.Dp(160))
	gtx.Constraints.Max.X = gtx.Dp(unit.Dp(160))
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Top: unit.Dp(16), Bottom: unit.Dp(16), Left: unit.Dp(12)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				label := material.H6(theme, "tasksync")
				label.Color = theme.Palette.ContrastFg
				return label.Layout(gtx)
			})
		}),
		layout.Rigid(navBtn(theme, &ui.navTasks, "Tasks", ui.currentPage == pageTasks)),
		layout.Rigid(navBtn(theme, &ui.navStatus, "Status", ui.currentPage == pageStatus)),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Top: unit.Dp(16), Left: unit.Dp(12)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				label := material.Caption(theme, state)
				label.Color = stateColor(state)
				return label.Layout(gtx)
			})
		}),
	)
}

func stateColor(state string) color.NRGBA {
	switch state {
	case "connected", "reconnected":
		return color.NRGBA{R: 0x00, G: 0xC0, B: 0x00, A: 0xFF}
	case "reconnecting", "connecting":
		return color.NRGBA{R: 0xFF, G: 0xA0, B: 0x00, A: 0xFF}
	default:
		return color.NRGBA{R: 0xFF, G: 0x40, B: 0x40, A: 0xFF}
	}
}

func navBtn(th *material.Theme, btn *widget.Clickable, label string, active bool) layout.Widget {
	return func(gtx layout.Context) layout.Dimensions {
		return layout.Inset{Top: unit.Dp(2), Bottom: unit.Dp(2), Left: unit.Dp(8), Right: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
			b := material.Button(th, btn, label)
			if active {
				b.Background = th.Palette.ContrastBg
			} else {
				b.Background = color.NRGBA{A: 0}
			}
			b.Color = th.Palette.Fg
			return b.Layout(gtx)
		})
	}
}

func (ui *UI) layoutTasks(gtx layout.Context) layout.Dimensions {
	tasks, _, message := ui.snapshot()
	visible := tasksync.Visible(tasks, ui.filter())

	priorityLabel := "Priority: all"
	if ui.priorityFilter > 0 {
		priorityLabel = fmt.Sprintf("Priority: %d", ui.priorityFilter)
	}

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.H5(theme, "Tasks").Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Alignment: layout.Middle}.Layout(gtx,
				layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
					return material.Editor(theme, &ui.nameEditor, "New task name...").Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					gtx.Constraints.Min.X = gtx.Dp(unit.Dp(70))
					gtx.Constraints.Max.X = gtx.Dp(unit.Dp(70))
					return material.Editor(theme, &ui.priorityEditor, "Priority").Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					gtx.Constraints.Min.X = gtx.Dp(unit.Dp(110))
					gtx.Constraints.Max.X = gtx.Dp(unit.Dp(110))
					return material.Editor(theme, &ui.dueEditor, dateLayout).Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return material.Button(theme, &ui.createBtn, "Create").Layout(gtx)
				}),
			)
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			if message == "" {
				return layout.Dimensions{}
			}
			label := material.Caption(theme, message)
			label.Color = color.NRGBA{R: 0xFF, G: 0x40, B: 0x40, A: 0xFF}
			return layout.Inset{Top: unit.Dp(4)}.Layout(gtx, label.Layout)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Alignment: layout.Middle}.Layout(gtx,
				layout.Rigid(material.CheckBox(theme, &ui.showDone, "Show completed").Layout),
				layout.Rigid(layout.Spacer{Width: unit.Dp(16)}.Layout),
				layout.Rigid(material.Button(theme, &ui.priorityBtn, priorityLabel).Layout),
			)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return material.List(theme, &ui.taskList).Layout(gtx, len(visible), func(gtx layout.Context, i int) layout.Dimensions {
				return ui.layoutRow(gtx, visible[i])
			})
		}),
	)
}

func (ui *UI) layoutRow(gtx layout.Context, t task.Task) layout.Dimensions {
	r := ui.rows[t.ID]
	if r == nil {
		r = &row{}
		ui.rows[t.ID] = r
	}
	statusColor := color.NRGBA{R: 0xFF, G: 0xA0, B: 0x00, A: 0xFF}
	if t.IsDone() {
		statusColor = color.NRGBA{R: 0x00, G: 0xC0, B: 0x00, A: 0xFF}
	} else if !t.DueDate.IsZero() && t.DueDate.Before(time.Now()) {
		statusColor = color.NRGBA{R: 0xFF, G: 0x40, B: 0x40, A: 0xFF}
	}

	small := func(btn *widget.Clickable, label string) layout.FlexChild {
		return layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Left: unit.Dp(4)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				b := material.Button(theme, btn, label)
				b.Inset = layout.UniformInset(unit.Dp(6))
				return b.Layout(gtx)
			})
		})
	}

	actions := []layout.FlexChild{small(&r.up, "Up"), small(&r.down, "Down")}
	if !t.IsDone() {
		actions = append(actions, small(&r.complete, "Done"))
	}
	actions = append(actions, small(&r.remove, "Delete"))

	return layout.Inset{Bottom: unit.Dp(6)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Alignment: layout.Middle}.Layout(gtx,
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
					layout.Rigid(func(gtx layout.Context) layout.Dimensions {
						label := material.Body2(theme, t.Name)
						label.Font.Weight = font.Bold
						return label.Layout(gtx)
					}),
					layout.Rigid(func(gtx layout.Context) layout.Dimensions {
						label := material.Caption(theme, fmt.Sprintf("[%s] P%d  due %s", t.Status, t.Priority, t.DueDate.Local().Format(dateLayout)))
						label.Color = statusColor
						return label.Layout(gtx)
					}),
				)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{}.Layout(gtx, actions...)
			}),
		)
	})
}

func (ui *UI) layoutStatus(gtx layout.Context) layout.Dimensions {
	tasks, state, _ := ui.snapshot()
	var done int
	for _, t := range tasks {
		if t.IsDone() {
			done++
		}
	}
	return layout.Flex{Axis: layout.Vertical, Spacing: layout.SpaceEnd}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.H5(theme, "Status").Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.Body1(theme, "Push channel: "+state).Layout(gtx)
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.Body1(theme, fmt.Sprintf("Tasks: %d", len(tasks))).Layout(gtx)
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.Body1(theme, fmt.Sprintf("Completed: %d", done)).Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			if state == "closed" || state == "offline" {
				return material.Button(theme, &ui.reconnectBtn, "Reconnect").Layout(gtx)
			}
			return material.Button(theme, &ui.reloadBtn, "Reload").Layout(gtx)
		}),
	)
}
