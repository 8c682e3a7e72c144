// Package claimer implements worker identity: concurrency accounting and a
// derived availability status computed from current load rather than
// stored and mutated directly.
package claimer

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dispatchkit/platform/internal/errs"
	"github.com/dispatchkit/platform/internal/events"
	"github.com/dispatchkit/platform/internal/task"
)

// Status is a Claimer's derived availability. It is never stored; it is
// computed on every read from the claimer's current counters, so it can
// never drift out of sync with reality the way a cached field could.
type Status int32

const (
	// StatusOffline means the claimer has been stopped and accepts no
	// further claims.
	StatusOffline Status = iota
	// StatusPaused means the claimer is online but has voluntarily
	// suspended claiming.
	StatusPaused
	// StatusBusy means the claimer is online, unpaused, and already at its
	// concurrency limit.
	StatusBusy
	// StatusIdle means the claimer is online, unpaused, and has spare
	// capacity.
	StatusIdle
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusPaused:
		return "paused"
	case StatusBusy:
		return "busy"
	case StatusIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Platform is the set of registry operations a Claimer needs from its
// owning platform. It is declared here, in the lower-level package, and
// implemented by the concrete platform.Platform type; this lets claimer
// hold a non-owning back-reference without importing platform, avoiding
// the import cycle platform -> claimer -> platform.
type Platform interface {
	ClaimNext(claimerID string) (*task.Task, error)
	ClaimMatching(claimerID string) (*task.Task, error)
	Claim(claimerID, taskID string) (*task.Task, error)
}

// Topic names emitted on a Claimer's own event bus.
const (
	TopicStatusChanged = "claimer.status_changed"
	TopicClaimed       = "claimer.claimed"
	TopicReleased      = "claimer.released"
)

// StatusChange is the payload published on TopicStatusChanged.
type StatusChange struct {
	Old Status
	New Status
}

// Claimer is a worker identity: a name, a role/category affinity, a
// concurrency limit, and live accounting of how many tasks it currently
// holds. Status is always derived from that accounting plus the
// online/paused flags below.
type Claimer struct {
	id       string
	platform Platform

	maxConcurrency atomic.Int32
	inFlight       atomic.Int32

	online atomic.Bool
	paused atomic.Bool

	mu         sync.RWMutex
	name       string
	categories map[string]struct{}
	roles      map[string]struct{}
	held       map[string]*task.Task // taskID -> task

	claimedTotal   atomic.Int64
	completedTotal atomic.Int64
	failedTotal    atomic.Int64
	abandonedTotal atomic.Int64

	bus *events.Bus
}

// New creates a Claimer bound to platform (the registry it will pull tasks
// from) with the given id and concurrency limit. It starts online and
// unpaused with zero in-flight tasks.
func New(id string, platform Platform, maxConcurrency int) *Claimer {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	c := &Claimer{
		id:         id,
		name:       id,
		platform:   platform,
		categories: make(map[string]struct{}),
		roles:      make(map[string]struct{}),
		held:       make(map[string]*task.Task),
		bus:        events.NewBus(),
	}
	c.maxConcurrency.Store(int32(maxConcurrency))
	c.online.Store(true)
	return c
}

// ID returns the claimer's identifier.
func (c *Claimer) ID() string { return c.id }

// Name returns the claimer's display name. Defaults to its id until
// SetName is called.
func (c *Claimer) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// SetName changes the claimer's display name.
func (c *Claimer) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// Subscribe registers handler for topic on this claimer's event bus.
func (c *Claimer) Subscribe(topic string, handler events.Handler) *events.Subscription {
	return c.bus.Subscribe(topic, handler)
}

// AddCategory registers a category this claimer can handle. A task with no
// category matches any claimer (see CanHandle).
func (c *Claimer) AddCategory(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[category] = struct{}{}
}

// RemoveCategory deregisters a category this claimer previously advertised
// via AddCategory.
func (c *Claimer) RemoveCategory(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.categories, category)
}

// Categories returns a snapshot of the claimer's registered categories.
func (c *Claimer) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.categories))
	for cat := range c.categories {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// AddRole grants this claimer a role. Roles gate claims on tasks that
// declare a non-empty RequiredRoles set (see Task.RequireRole); they are a
// separate authorisation axis from Categories, which drives affinity
// scoring instead.
func (c *Claimer) AddRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[role] = struct{}{}
}

// RemoveRole revokes a role previously granted via AddRole.
func (c *Claimer) RemoveRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roles, role)
}

// Roles returns a snapshot of the claimer's granted roles.
func (c *Claimer) Roles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.roles))
	for r := range c.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// MatchesRoles reports whether this claimer satisfies t's role
// requirement: true if t requires no role, or this claimer holds at least
// one of the roles t requires.
func (c *Claimer) MatchesRoles(t *task.Task) bool {
	required := t.RequiredRoles()
	if len(required) == 0 {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range required {
		if _, ok := c.roles[r]; ok {
			return true
		}
	}
	return false
}

// MaxConcurrency returns the claimer's configured concurrency limit.
func (c *Claimer) MaxConcurrency() int { return int(c.maxConcurrency.Load()) }

// SetMaxConcurrency resizes the claimer's concurrency limit. It takes
// effect immediately: a lower limit does not forcibly release any tasks
// already held, it only blocks further claims until InFlight drops back
// under the new limit.
func (c *Claimer) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	before := c.Status()
	c.maxConcurrency.Store(int32(n))
	c.emitStatusChanged(before, c.Status())
}

// InFlight returns the number of tasks currently held by this claimer.
func (c *Claimer) InFlight() int { return int(c.inFlight.Load()) }

// HasCapacity reports whether the claimer can accept one more task right
// now: online, not paused, and below its concurrency limit.
func (c *Claimer) HasCapacity() bool {
	return c.online.Load() && !c.paused.Load() && c.inFlight.Load() < c.maxConcurrency.Load()
}

// Status computes the claimer's current derived status.
func (c *Claimer) Status() Status {
	if !c.online.Load() {
		return StatusOffline
	}
	if c.paused.Load() {
		return StatusPaused
	}
	if c.inFlight.Load() >= c.maxConcurrency.Load() {
		return StatusBusy
	}
	return StatusIdle
}

func (c *Claimer) emitStatusChanged(old, new Status) {
	if old == new {
		return
	}
	slog.Info("claimer status changed", "claimer_id", c.id, "old", old, "new", new)
	c.bus.Publish(TopicStatusChanged, StatusChange{Old: old, New: new})
}

// Pause suspends claiming without releasing any held tasks.
func (c *Claimer) Pause() {
	before := c.Status()
	c.paused.Store(true)
	c.emitStatusChanged(before, c.Status())
}

// Resume lifts a previous Pause.
func (c *Claimer) Resume() {
	before := c.Status()
	c.paused.Store(false)
	c.emitStatusChanged(before, c.Status())
}

// Stop takes the claimer offline. It does not forcibly abandon held tasks;
// callers that want that behaviour should Abandon them explicitly first.
func (c *Claimer) Stop() {
	before := c.Status()
	c.online.Store(false)
	c.emitStatusChanged(before, c.Status())
}

// AffinityScore computes how well this claimer fits a task, for use by the
// platform's selection algorithm. Higher is better; 0 means no fit at all
// (including for a nil task). The score is the weighted sum
//
//	50·𝟙[task.category ∈ claimer.categories] + 30·(matching_tags / |task.tags|) + 20·(task.priority/100)
//
// capped at 100. A task with no category contributes 0 for the category
// term (rather than matching every claimer); a task with no tags
// contributes 0 for the tag term. Tag matching is against the claimer's
// own categories, not a separate tag set — see Roles for the claimer's
// other, unrelated matching axis.
func (c *Claimer) AffinityScore(t *task.Task) float64 {
	if t == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var score float64

	if category := t.Category(); category != "" {
		if _, ok := c.categories[category]; ok {
			score += 50
		}
	}

	if tags := t.Tags(); len(tags) > 0 {
		matched := 0
		for _, tag := range tags {
			if _, ok := c.categories[tag]; ok {
				matched++
			}
		}
		score += 30 * (float64(matched) / float64(len(tags)))
	}

	score += 20 * (float64(t.Priority()) / 100.0)

	if score > 100 {
		score = 100
	}
	return score
}

// CanHandle reports whether t passes the category-match gate required
// before a task is eligible for claiming at all: the task has no
// category, or its category is among this claimer's registered
// categories. Independent of current capacity, tag affinity, priority, or
// role requirements — see AffinityScore and MatchesRoles for those.
func (c *Claimer) CanHandle(t *task.Task) bool {
	if t == nil {
		return false
	}
	category := t.Category()
	if category == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.categories[category]
	return ok
}

func (c *Claimer) adoptHeld(t *task.Task) {
	slog.Debug("claimer: acquiring held-task lock", "claimer_id", c.id, "task_id", t.ID())
	before := c.Status()
	c.mu.Lock()
	c.held[string(t.ID())] = t
	c.mu.Unlock()
	c.inFlight.Add(1)
	c.claimedTotal.Add(1)
	c.bus.Publish(TopicClaimed, t.ID())
	c.emitStatusChanged(before, c.Status())
}

func (c *Claimer) release(t *task.Task, terminal string) {
	slog.Debug("claimer: acquiring held-task lock", "claimer_id", c.id, "task_id", t.ID(), "terminal", terminal)
	before := c.Status()
	c.mu.Lock()
	delete(c.held, string(t.ID()))
	c.mu.Unlock()
	c.inFlight.Add(-1)
	switch terminal {
	case "completed":
		c.completedTotal.Add(1)
	case "failed":
		c.failedTotal.Add(1)
	case "abandoned":
		c.abandonedTotal.Add(1)
	}
	c.bus.Publish(TopicReleased, t.ID())
	c.emitStatusChanged(before, c.Status())
}

// errAtCapacity is returned by the Claim* methods before ever consulting
// the platform, so a claimer at its limit never takes a slot away from one
// with room.
func (c *Claimer) errAtCapacity() error {
	return errs.ClaimerTooManyTasks(c.id)
}

// ClaimNext pulls the highest-priority available task from the platform
// that this claimer is eligible for (category/role/whitelist/blacklist),
// with no additional filter.
func (c *Claimer) ClaimNext() (*task.Task, error) {
	if !c.HasCapacity() {
		return nil, c.errAtCapacity()
	}
	t, err := c.platform.ClaimNext(c.id)
	if err != nil {
		return nil, err
	}
	c.adoptHeld(t)
	return t, nil
}

// ClaimMatching pulls the task with the best affinity score (ties broken
// by priority) among those this claimer is eligible for, deriving the
// match entirely from this claimer's own categories/roles rather than an
// externally supplied filter.
func (c *Claimer) ClaimMatching() (*task.Task, error) {
	if !c.HasCapacity() {
		return nil, c.errAtCapacity()
	}
	t, err := c.platform.ClaimMatching(c.id)
	if err != nil {
		return nil, err
	}
	c.adoptHeld(t)
	return t, nil
}

// Claim pulls a specific task by id, if still available and this claimer
// is authorised for it.
func (c *Claimer) Claim(taskID string) (*task.Task, error) {
	if !c.HasCapacity() {
		return nil, c.errAtCapacity()
	}
	t, err := c.platform.Claim(c.id, taskID)
	if err != nil {
		return nil, err
	}
	c.adoptHeld(t)
	return t, nil
}

// ClaimToCapacity repeatedly calls ClaimMatching until the claimer is full
// or the platform has no more matching tasks, returning everything
// claimed.
func (c *Claimer) ClaimToCapacity() []*task.Task {
	var out []*task.Task
	for c.HasCapacity() {
		t, err := c.ClaimMatching()
		if err != nil {
			break
		}
		out = append(out, t)
	}
	return out
}

// Run executes a single held task and, once the task has reached Completed
// or Failed, releases its slot and updates accounting. If Execute leaves the
// task in any other status (for example it has no handler and stays
// Claimed), the task stays held.
func (c *Claimer) Run(t *task.Task, input string) (task.Result, error) {
	result, err := t.Execute(input)
	switch t.Status() {
	case task.StatusCompleted:
		c.release(t, "completed")
	case task.StatusFailed:
		c.release(t, "failed")
	default:
		// Paused or otherwise not yet finalised: leave it held.
	}
	return result, err
}

// Abandon moves a held task to Abandoned and frees its slot without
// completing it, e.g. on claimer shutdown or operator intervention. The task
// stays registered on the platform but is not claimable again until it is
// republished.
func (c *Claimer) Abandon(t *task.Task, reason string) error {
	c.mu.RLock()
	_, held := c.held[string(t.ID())]
	c.mu.RUnlock()
	if !held {
		return errs.TaskNotFound(string(t.ID()))
	}
	if err := t.Abandon(reason); err != nil {
		return err
	}
	c.release(t, "abandoned")
	return nil
}

// HasTask reports whether this claimer currently holds the task with the
// given id, used by force-remove accounting checks.
func (c *Claimer) HasTask(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.held[id]
	return ok
}

// Snapshot is a read-only, point-in-time view of a claimer, for observers
// outside the event system.
type Snapshot struct {
	ID             string
	Name           string
	Status         Status
	MaxConcurrency int
	InFlight       int
	Categories     []string
	Roles          []string
	Statistics     Statistics
}

// Snapshot returns a consistent snapshot of this claimer's current state.
func (c *Claimer) Snapshot() Snapshot {
	return Snapshot{
		ID:             c.id,
		Name:           c.Name(),
		Status:         c.Status(),
		MaxConcurrency: c.MaxConcurrency(),
		InFlight:       c.InFlight(),
		Categories:     c.Categories(),
		Roles:          c.Roles(),
		Statistics:     c.Statistics(),
	}
}

// HeldTasks returns a snapshot of the tasks currently held by this
// claimer.
func (c *Claimer) HeldTasks() []*task.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*task.Task, 0, len(c.held))
	for _, t := range c.held {
		out = append(out, t)
	}
	return out
}

// Statistics is a point-in-time counter snapshot for a claimer.
type Statistics struct {
	ClaimedTotal   int64
	CompletedTotal int64
	FailedTotal    int64
	AbandonedTotal int64
	InFlight       int
	Status         Status
}

// Statistics returns a snapshot of this claimer's lifetime counters.
func (c *Claimer) Statistics() Statistics {
	return Statistics{
		ClaimedTotal:   c.claimedTotal.Load(),
		CompletedTotal: c.completedTotal.Load(),
		FailedTotal:    c.failedTotal.Load(),
		AbandonedTotal: c.abandonedTotal.Load(),
		InFlight:       c.InFlight(),
		Status:         c.Status(),
	}
}

// String implements fmt.Stringer for debug logging.
func (c *Claimer) String() string {
	var b strings.Builder
	b.WriteString("Claimer{id=")
	b.WriteString(c.id)
	b.WriteString(", status=")
	b.WriteString(c.Status().String())
	b.WriteString("}")
	return b.String()
}
