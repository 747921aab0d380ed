package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/pkg/localcache"
	"tasksync/pkg/push"
	"tasksync/pkg/task"
)

// --- Mock task store ---

type mockStore struct {
	mu         sync.Mutex
	tasks      []task.Task
	nextID     int64
	listErr    error
	replaceErr error
	deleteErr  error
	createErr  error
	replaced   []task.Task
	deleted    []int64

	// replaceHook runs before Replace returns, to interleave other events.
	replaceHook func()
}

func (s *mockStore) List(_ context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]task.Task(nil), s.tasks...), nil
}

func (s *mockStore) Create(_ context.Context, t *task.Task) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	t.ID = 100 + s.nextID
	s.tasks = append(s.tasks, *t)
	cp := *t
	return &cp, nil
}

func (s *mockStore) Replace(_ context.Context, id int64, t *task.Task) (*task.Task, error) {
	if s.replaceHook != nil {
		s.replaceHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, *t)
	if s.replaceErr != nil {
		return nil, s.replaceErr
	}
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i] = *t
			cp := *t
			return &cp, nil
		}
	}
	return nil, task.ErrNotFound
}

func (s *mockStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return s.deleteErr
}

// --- Mock cache ---

type mockCache struct {
	mu      sync.Mutex
	tasks   []task.Task
	loadErr error
	saveErr error
	saves   int
}

func (c *mockCache) Load(_ context.Context) ([]task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return append([]task.Task(nil), c.tasks...), nil
}

func (c *mockCache) Save(_ context.Context, tasks []task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	c.tasks = append([]task.Task(nil), tasks...)
	return nil
}

func (c *mockCache) snapshot() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]task.Task(nil), c.tasks...)
}

// --- Mock push channel ---

type mockChannel struct {
	mu         sync.Mutex
	handlers   map[string]push.Handler
	states     []func(push.State)
	published  []push.Message
	publishErr error
}

func newMockChannel() *mockChannel {
	return &mockChannel{handlers: make(map[string]push.Handler)}
}

func (c *mockChannel) Subscribe(event string, h push.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *mockChannel) Publish(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	msg, err := push.NewMessage(event, payload)
	if err != nil {
		return err
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *mockChannel) OnState(fn func(push.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, fn)
}

func (c *mockChannel) deliver(t *testing.T, event, payload string) {
	t.Helper()
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", event)
	}
	h(json.RawMessage(payload))
}

func (c *mockChannel) setState(s push.State) {
	c.mu.Lock()
	states := slices.Clone(c.states)
	c.mu.Unlock()
	for _, fn := range states {
		fn(s)
	}
}

// --- helpers ---

func quietLogger() (*log.Entry, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(log.DebugLevel)
	return log.NewEntry(l), hook
}

func newEngine(store *mockStore, cache *mockCache) *Engine {
	logger, _ := quietLogger()
	return New(store, cache, WithLogger(logger))
}

func mustLoad(t *testing.T, e *Engine) []task.Task {
	t.Helper()
	tasks, err := e.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return tasks
}

func statusOf(t *testing.T, tasks []task.Task, id int64) string {
	t.Helper()
	for _, tk := range tasks {
		if tk.ID == id {
			return tk.Status
		}
	}
	t.Fatalf("task %d not in list %v", id, IDs(tasks))
	return ""
}

// --- Load ---

func TestLoadMergesCacheAndSnapshot(t *testing.T) {
	store := &mockStore{tasks: list(1, 2, 3, 4)}
	cache := &mockCache{tasks: list(3, 9, 1)}
	e := newEngine(store, cache)

	assertIDs(t, mustLoad(t, e), 3, 1, 2, 4)
	assertIDs(t, cache.snapshot(), 3, 1, 2, 4)
}

func TestLoadServerUnreachableUsesCache(t *testing.T) {
	store := &mockStore{listErr: errors.New("connection refused")}
	cache := &mockCache{tasks: list(5, 2, 5)}
	logger, hook := quietLogger()
	e := New(store, cache, WithLogger(logger))

	assertIDs(t, mustLoad(t, e), 5, 2)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning for the failed fetch")
	}
}

func TestLoadKeepsCacheWhenNothingIsReadable(t *testing.T) {
	store := &mockStore{listErr: errors.New("connection refused")}
	cache := &mockCache{tasks: list(1, 2, 3)}
	e := newEngine(store, cache)

	cache.loadErr = errors.New("database is locked")
	tasks, err := e.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %v, want the empty in-memory list", IDs(tasks))
	}
	if cache.saves != 0 {
		t.Fatal("cache was overwritten")
	}

	// once the cache is readable again the list comes back
	cache.loadErr = nil
	assertIDs(t, mustLoad(t, e), 1, 2, 3)
}

func TestLoadCorruptCacheIsDiscarded(t *testing.T) {
	store := &mockStore{tasks: list(1, 2)}
	cache := &mockCache{loadErr: fmt.Errorf("%w: unexpected end of JSON input", localcache.ErrCorrupt)}
	e := newEngine(store, cache)

	assertIDs(t, mustLoad(t, e), 1, 2)
}

func TestLoadStorageFault(t *testing.T) {
	store := &mockStore{tasks: list(1)}
	cache := &mockCache{saveErr: errors.New("disk full")}
	e := newEngine(store, cache)

	_, err := e.Load(context.Background())
	if !errors.Is(err, ErrStorageFault) {
		t.Fatalf("err = %v, want ErrStorageFault", err)
	}
}

// --- Complete ---

func TestCompleteEndToEnd(t *testing.T) {
	store := &mockStore{tasks: list(1)}
	cache := &mockCache{}
	e := newEngine(store, cache)
	assertIDs(t, mustLoad(t, e), 1)

	var sawDone bool
	store.replaceHook = func() {
		// optimistic update is visible before the server answers
		sawDone = statusOf(t, e.Tasks(), 1) == task.StatusDone
	}
	if err := e.Complete(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if !sawDone {
		t.Error("status was not Done while the server call was in flight")
	}
	if got := statusOf(t, e.Tasks(), 1); got != task.StatusDone {
		t.Fatalf("status = %s after success", got)
	}
	cached := cache.snapshot()
	if len(cached) != 1 || cached[0].ID != 1 || !cached[0].IsDone() {
		t.Fatalf("cache = %+v", cached)
	}
	if len(store.replaced) != 1 || !store.replaced[0].IsDone() {
		t.Fatalf("server received %+v", store.replaced)
	}
}

func TestCompleteRollsBackOnFailure(t *testing.T) {
	store := &mockStore{tasks: list(1, 2), replaceErr: errors.New("503 Service Unavailable")}
	cache := &mockCache{}
	e := newEngine(store, cache)
	before := mustLoad(t, e)

	var kinds []ChangeKind
	e.OnChange(func(c Change) { kinds = append(kinds, c.Kind) })

	if err := e.Complete(context.Background(), 1); err != nil {
		t.Fatalf("transport failure must not be returned: %v", err)
	}
	after := e.Tasks()
	if len(after) != len(before) {
		t.Fatalf("list changed size: %v", IDs(after))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("task %d = %+v, want %+v", i, after[i], before[i])
		}
	}
	if got := statusOf(t, cache.snapshot(), 1); got != task.StatusActive {
		t.Fatalf("cached status = %s", got)
	}
	if len(kinds) != 2 || kinds[0] != ChangeCompleted || kinds[1] != ChangeReverted {
		t.Fatalf("changes = %v", kinds)
	}
}

func TestCompleteUnknownIDIsNoop(t *testing.T) {
	store := &mockStore{tasks: list(1)}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)
	saves := cache.saves

	if err := e.Complete(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	if len(store.replaced) != 0 || cache.saves != saves {
		t.Fatal("complete of unknown id touched the server or cache")
	}
}

func TestCompleteRacingRemoteDelete(t *testing.T) {
	store := &mockStore{tasks: list(1, 2), replaceErr: errors.New("timeout")}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)

	store.replaceHook = func() {
		if err := e.ApplyDeleted(context.Background(), 1); err != nil {
			t.Error(err)
		}
	}
	if err := e.Complete(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	// the rollback finds nothing to revert; the remote delete stands
	assertIDs(t, e.Tasks(), 2)
}

func TestCompleteStorageFaultSkipsServer(t *testing.T) {
	store := &mockStore{tasks: list(1)}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)
	cache.saveErr = errors.New("read-only file system")

	err := e.Complete(context.Background(), 1)
	if !errors.Is(err, ErrStorageFault) {
		t.Fatalf("err = %v, want ErrStorageFault", err)
	}
	if len(store.replaced) != 0 {
		t.Fatal("server called after storage fault")
	}
	if got := statusOf(t, e.Tasks(), 1); got != task.StatusActive {
		t.Fatalf("status = %s, want the completion undone", got)
	}
}

// --- Delete ---

func TestDeleteIsNotRestoredOnFailure(t *testing.T) {
	store := &mockStore{tasks: list(1, 2, 3), deleteErr: errors.New("500")}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)

	if err := e.Delete(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.Tasks(), 1, 3)
	assertIDs(t, cache.snapshot(), 1, 3)
	if len(store.deleted) != 1 || store.deleted[0] != 2 {
		t.Fatalf("deleted = %v", store.deleted)
	}
}

func TestDeleteUnknownIDStillAsksServer(t *testing.T) {
	store := &mockStore{tasks: list(1)}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)
	saves := cache.saves

	if err := e.Delete(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.Tasks(), 1)
	if cache.saves != saves {
		t.Error("cache rewritten for a no-op delete")
	}
	if len(store.deleted) != 1 || store.deleted[0] != 7 {
		t.Fatalf("deleted = %v", store.deleted)
	}
}

// --- Create / Update ---

func fixedClock() time.Time {
	return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
}

func TestCreateAppendsAndSurvivesEcho(t *testing.T) {
	store := &mockStore{tasks: list(1)}
	cache := &mockCache{}
	logger, _ := quietLogger()
	e := New(store, cache, WithLogger(logger), WithClock(fixedClock))
	mustLoad(t, e)

	created, err := e.Create(context.Background(), task.Task{Name: "buy milk", DueDate: fixedClock().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if created.Priority != task.DefaultPriority || created.Status != task.StatusActive {
		t.Fatalf("defaults not applied: %+v", created)
	}
	// the server echoes the create to every client, including this one
	if err := e.ApplyCreated(context.Background(), created); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.Tasks(), 1, created.ID)
}

func TestCreateValidationRejection(t *testing.T) {
	store := &mockStore{}
	cache := &mockCache{}
	logger, _ := quietLogger()
	e := New(store, cache, WithLogger(logger), WithClock(fixedClock))

	_, err := e.Create(context.Background(), task.Task{Name: "x", Priority: 11, DueDate: fixedClock().Add(time.Hour)})
	var ve *task.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(e.Tasks()) != 0 || cache.saves != 0 {
		t.Fatal("rejected create mutated state")
	}
}

func TestUpdateRollsBackServerRejection(t *testing.T) {
	due := fixedClock().Add(time.Hour)
	orig := task.Task{ID: 1, Name: "old", Priority: 2, Status: task.StatusActive, CreatedAt: fixedClock(), DueDate: due}
	store := &mockStore{tasks: []task.Task{orig}, replaceErr: &task.ValidationError{Message: "Name is required."}}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)

	edited := orig
	edited.Name = "new"
	err := e.Update(context.Background(), edited)
	var ve *task.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if got := e.Tasks()[0]; got.Name != "old" {
		t.Fatalf("task = %+v, want rollback", got)
	}
}

func TestUpdateTransportFailureIsSilent(t *testing.T) {
	due := fixedClock().Add(time.Hour)
	orig := task.Task{ID: 1, Name: "old", Priority: 2, Status: task.StatusActive, CreatedAt: fixedClock(), DueDate: due}
	store := &mockStore{tasks: []task.Task{orig}, replaceErr: errors.New("connection reset")}
	e := newEngine(store, &mockCache{})
	mustLoad(t, e)

	edited := orig
	edited.Name = "new"
	if err := e.Update(context.Background(), edited); err != nil {
		t.Fatalf("err = %v", err)
	}
	if got := e.Tasks()[0]; got.Name != "old" {
		t.Fatalf("task = %+v, want rollback", got)
	}
}

func TestUpdateStorageFaultRestoresTask(t *testing.T) {
	due := fixedClock().Add(time.Hour)
	orig := task.Task{ID: 1, Name: "old", Priority: 2, Status: task.StatusActive, CreatedAt: fixedClock(), DueDate: due}
	store := &mockStore{tasks: []task.Task{orig}}
	cache := &mockCache{}
	e := newEngine(store, cache)
	mustLoad(t, e)
	cache.saveErr = errors.New("read-only file system")

	var last Change
	e.OnChange(func(c Change) { last = c })

	edited := orig
	edited.Name = "new"
	if err := e.Update(context.Background(), edited); !errors.Is(err, ErrStorageFault) {
		t.Fatalf("err = %v, want ErrStorageFault", err)
	}
	if got := e.Tasks()[0]; got.Name != "old" {
		t.Fatalf("task = %+v, want the edit undone", got)
	}
	if last.Kind != ChangeReverted || last.Tasks[0].Name != "old" || last.Err == nil {
		t.Fatalf("last change = %+v", last)
	}
	if len(store.replaced) != 0 {
		t.Fatal("server called after storage fault")
	}
}

// --- Reorder ---

func TestReorderPublishesFullOrder(t *testing.T) {
	store := &mockStore{tasks: list(1, 2, 3, 4)}
	cache := &mockCache{}
	e := newEngine(store, cache)
	ch := newMockChannel()
	e.Attach(ch)
	mustLoad(t, e)

	if err := e.Reorder(context.Background(), []int64{3, 1}); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.Tasks(), 3, 1, 2, 4)
	assertIDs(t, cache.snapshot(), 3, 1, 2, 4)
	if len(ch.published) != 1 {
		t.Fatalf("published %d messages", len(ch.published))
	}
	msg := ch.published[0]
	if msg.Event != push.TasksReordered || string(msg.Payload) != "[3,1,2,4]" {
		t.Fatalf("published %s %s", msg.Event, msg.Payload)
	}
	if len(store.replaced) != 0 || len(store.deleted) != 0 {
		t.Fatal("reorder touched the task store")
	}
}

func TestReorderPublishFailureIsLogged(t *testing.T) {
	store := &mockStore{tasks: list(1, 2)}
	logger, hook := quietLogger()
	e := New(store, &mockCache{}, WithLogger(logger))
	ch := newMockChannel()
	ch.publishErr = push.ErrNotConnected
	e.Attach(ch)
	mustLoad(t, e)

	if err := e.Reorder(context.Background(), []int64{2, 1}); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.Tasks(), 2, 1)
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("last log entry = %+v", entry)
	}
}

func TestReorderWithoutChannel(t *testing.T) {
	e := newEngine(&mockStore{tasks: list(1, 2)}, &mockCache{})
	mustLoad(t, e)
	if err := e.Reorder(context.Background(), []int64{2}); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, e.Tasks(), 2, 1)
}

// --- Remote events ---

func attached(t *testing.T, store *mockStore, cache *mockCache) (*Engine, *mockChannel) {
	t.Helper()
	e := newEngine(store, cache)
	ch := newMockChannel()
	e.Attach(ch)
	mustLoad(t, e)
	return e, ch
}

func TestRemoteCreatedIsDeduplicated(t *testing.T) {
	e, ch := attached(t, &mockStore{tasks: list(1)}, &mockCache{})

	var changes int
	e.OnChange(func(Change) { changes++ })

	ch.deliver(t, push.TaskCreated, `{"id":2,"name":"b","priority":3,"status":"Active"}`)
	ch.deliver(t, push.TaskCreated, `{"id":2,"name":"b again","priority":3,"status":"Active"}`)
	ch.deliver(t, push.TaskCreated, `{"id":1,"name":"dup","priority":3,"status":"Active"}`)

	tasks := e.Tasks()
	assertIDs(t, tasks, 1, 2)
	if tasks[1].Name != "b" {
		t.Fatalf("duplicate create overwrote task: %+v", tasks[1])
	}
	if changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
}

func TestRemoteUpdatedAfterDeleteReAdds(t *testing.T) {
	e, ch := attached(t, &mockStore{tasks: list(1, 2)}, &mockCache{})

	ch.deliver(t, push.TaskDeleted, `2`)
	assertIDs(t, e.Tasks(), 1)
	ch.deliver(t, push.TaskUpdated, `{"id":2,"name":"back","priority":4,"status":"Done"}`)

	tasks := e.Tasks()
	assertIDs(t, tasks, 1, 2)
	if !tasks[1].IsDone() || tasks[1].Name != "back" {
		t.Fatalf("task = %+v", tasks[1])
	}
}

func TestRemoteUpdatedReplacesInPlace(t *testing.T) {
	e, ch := attached(t, &mockStore{tasks: list(1, 2, 3)}, &mockCache{})

	ch.deliver(t, push.TaskUpdated, `{"id":2,"name":"renamed","priority":1,"status":"Active"}`)
	tasks := e.Tasks()
	assertIDs(t, tasks, 1, 2, 3)
	if tasks[1].Name != "renamed" {
		t.Fatalf("task = %+v", tasks[1])
	}
}

func TestRemoteDeletedUnknownIsNoop(t *testing.T) {
	cache := &mockCache{}
	e, ch := attached(t, &mockStore{tasks: list(1)}, cache)
	saves := cache.saves

	ch.deliver(t, push.TaskDeleted, `"99"`)
	assertIDs(t, e.Tasks(), 1)
	if cache.saves != saves {
		t.Error("cache rewritten for unknown delete")
	}
}

func TestRemoteReorderedAcceptsStringIDs(t *testing.T) {
	cache := &mockCache{}
	e, ch := attached(t, &mockStore{tasks: list(1, 2, 3)}, cache)

	ch.deliver(t, push.TasksReordered, `["3", 1]`)
	assertIDs(t, e.Tasks(), 3, 1, 2)
	assertIDs(t, cache.snapshot(), 3, 1, 2)
	if len(ch.published) != 0 {
		t.Fatal("a remote reorder must not be re-broadcast")
	}
}

func TestRemoteMalformedPayloadIgnored(t *testing.T) {
	e, ch := attached(t, &mockStore{tasks: list(1)}, &mockCache{})

	ch.deliver(t, push.TaskCreated, `"not a task"`)
	ch.deliver(t, push.TaskDeleted, `{"id":1}`)
	ch.deliver(t, push.TasksReordered, `"1,2"`)
	assertIDs(t, e.Tasks(), 1)
}

func TestRemoteChangesAreMarked(t *testing.T) {
	e, ch := attached(t, &mockStore{tasks: list(1)}, &mockCache{})

	var got []Change
	e.OnChange(func(c Change) { got = append(got, c) })
	ch.deliver(t, push.TaskDeleted, `1`)

	if len(got) != 1 || !got[0].Remote || got[0].Kind != ChangeDeleted || got[0].ID != 1 {
		t.Fatalf("changes = %+v", got)
	}
	if len(got[0].Tasks) != 0 {
		t.Fatalf("change carried %v", IDs(got[0].Tasks))
	}
}

func TestReconnectedTriggersReload(t *testing.T) {
	store := &mockStore{tasks: list(1, 2)}
	e, ch := attached(t, store, &mockCache{})

	// changes that happened on the server while the channel was down
	store.mu.Lock()
	store.tasks = list(2, 3)
	store.mu.Unlock()

	ch.setState(push.Reconnecting)
	assertIDs(t, e.Tasks(), 1, 2)
	ch.setState(push.Reconnected)
	assertIDs(t, e.Tasks(), 2, 3)
}

func TestClosedChannelKeepsWorkingLocally(t *testing.T) {
	store := &mockStore{tasks: list(1, 2)}
	e, ch := attached(t, store, &mockCache{})
	ch.setState(push.Closed)

	if err := e.Complete(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, e.Tasks(), 2); got != task.StatusDone {
		t.Fatalf("status = %s", got)
	}
}

func TestRemoteStorageFaultReachesListeners(t *testing.T) {
	cache := &mockCache{}
	e, ch := attached(t, &mockStore{tasks: list(1)}, cache)
	cache.mu.Lock()
	cache.saveErr = errors.New("disk full")
	cache.mu.Unlock()

	var got error
	e.OnChange(func(c Change) { got = c.Err })
	ch.deliver(t, push.TaskCreated, `{"id":5,"name":"e","priority":1,"status":"Active"}`)

	if !errors.Is(got, ErrStorageFault) {
		t.Fatalf("change err = %v, want ErrStorageFault", got)
	}
	// the in-memory list still reflects the event
	assertIDs(t, e.Tasks(), 1, 5)
}
