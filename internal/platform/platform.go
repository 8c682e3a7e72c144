// Package platform implements the task registry: publication, priority and
// affinity based claiming, and a platform-wide event bus. That bus relays
// each registered task's status-changed and cancel-requested events and
// carries the platform's own publish/delete and claimer register/unregister
// notices; claimer events are not relayed.
package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchkit/platform/internal/claimer"
	"github.com/dispatchkit/platform/internal/errs"
	"github.com/dispatchkit/platform/internal/events"
	"github.com/dispatchkit/platform/internal/task"
)

// Topic names on the platform-wide relay bus. TopicTaskStatusChanged carries
// the task's task.StatusChange payload unchanged (without the task id);
// TopicTaskCancelRequested carries the task id together with the reason; the
// other topics carry the id of the task or claimer involved.
const (
	TopicTaskPublished       = "platform.task_published"
	TopicTaskDeleted         = "platform.task_deleted"
	TopicTaskCancelRequested = "platform.task_cancel_requested"
	TopicTaskStatusChanged   = "platform.task_status_changed"
	TopicClaimerRegistered   = "platform.claimer_registered"
	TopicClaimerUnregistered = "platform.claimer_unregistered"
)

// entry pairs a task with its insertion sequence number. The selection
// scan's FIFO (first published, first claimed) tie-break comes from walking
// Platform.order, not from map iteration order.
type entry struct {
	t   *task.Task
	seq uint64
}

// Platform is the in-process task registry and claim broker. The zero
// value is not usable; construct with New.
type Platform struct {
	maxQueueSize int

	mu       sync.RWMutex
	seq      uint64
	tasks    map[task.ID]*entry
	order    []task.ID // insertion order, for FIFO tie-break and Clear scans
	claimers map[string]*claimer.Claimer

	bus *events.Bus
}

// Option configures a Platform at construction time.
type Option func(*Platform)

// WithMaxQueueSize caps the number of non-terminal tasks the platform will
// hold at once; Publish beyond the cap returns PlatformQueueFull. Zero (the
// default) means unbounded.
func WithMaxQueueSize(n int) Option {
	return func(p *Platform) { p.maxQueueSize = n }
}

// New creates an empty Platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		tasks:    make(map[task.ID]*entry),
		claimers: make(map[string]*claimer.Claimer),
		bus:      events.NewBus(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers handler for topic on the platform's relay bus.
func (p *Platform) Subscribe(topic string, handler events.Handler) *events.Subscription {
	return p.bus.Subscribe(topic, handler)
}

func (p *Platform) relayTask(t *task.Task) {
	t.Subscribe(task.TopicStatusChanged, func(payload any) {
		p.bus.Publish(TopicTaskStatusChanged, payload)
	})
	t.Subscribe(task.TopicCancelRequested, func(payload any) {
		p.bus.Publish(TopicTaskCancelRequested, struct {
			TaskID task.ID
			Reason any
		}{TaskID: t.ID(), Reason: payload})
	})
}

// activeCountLocked returns the number of tasks not yet in a terminal status.
// Callers must hold p.mu.
func (p *Platform) activeCountLocked() int {
	n := 0
	for _, e := range p.tasks {
		if !e.t.Status().Terminal() {
			n++
		}
	}
	return n
}

// Publish registers t with the platform and moves it Draft -> Published.
func (p *Platform) Publish(t *task.Task) error {
	p.mu.Lock()
	if p.maxQueueSize > 0 && p.activeCountLocked() >= p.maxQueueSize {
		p.mu.Unlock()
		return errs.PlatformQueueFull(p.maxQueueSize)
	}
	p.seq++
	p.tasks[t.ID()] = &entry{t: t, seq: p.seq}
	p.order = append(p.order, t.ID())
	p.mu.Unlock()

	p.relayTask(t)
	if err := t.Publish(); err != nil {
		return err
	}
	slog.Info("platform: task published", "task_id", t.ID())
	p.bus.Publish(TopicTaskPublished, t.ID())
	return nil
}

// Get returns the task with the given id, if registered.
func (p *Platform) Get(id task.ID) (*task.Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.tasks[id]
	if !ok {
		return nil, false
	}
	return e.t, true
}

// Has reports whether id is registered.
func (p *Platform) Has(id task.ID) bool {
	_, ok := p.Get(id)
	return ok
}

// Remove drops a task from the registry. Non-force removal refuses to
// delete a task that is currently claimed (claimer_id set); force removal
// always removes it and, if a claimer held it, best-effort abandons it on
// that claimer so its in-flight count stays accurate. The registry lock is
// released before task_deleted is emitted.
func (p *Platform) Remove(id task.ID, force bool) error {
	p.mu.Lock()
	e, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return errs.TaskNotFound(string(id))
	}
	claimerID := e.t.ClaimerID()
	if claimerID != "" && !force {
		p.mu.Unlock()
		return errs.TaskStatusInvalid("remove", e.t.Status().String())
	}
	delete(p.tasks, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if claimerID != "" {
		if c, ok := p.Claimer(claimerID); ok {
			_ = c.Abandon(e.t, "force removed from platform")
		}
	}
	p.bus.Publish(TopicTaskDeleted, id)
	return nil
}

// Cancel cancels a task. If it is still Published, this drives the
// terminal cancel() transition directly. Otherwise cancellation is only
// cooperative: the cancel_requested flag is set and task_cancel_requested
// is emitted, and the handler (via is_cancel_requested) decides when to
// actually stop.
func (p *Platform) Cancel(id task.ID, reason string) error {
	t, ok := p.Get(id)
	if !ok {
		return errs.TaskNotFound(string(id))
	}
	if t.Status() == task.StatusPublished {
		return t.Cancel()
	}
	t.RequestCancel(reason)
	return nil
}

// RequestCancel marks a task for cooperative cancellation regardless of
// its current status, matching spec.md: handlers poll the flag themselves.
func (p *Platform) RequestCancel(id task.ID, reason string) error {
	t, ok := p.Get(id)
	if !ok {
		return errs.TaskNotFound(string(id))
	}
	t.RequestCancel(reason)
	return nil
}

// ClearByStatus removes every registered task currently in status s and
// returns how many were removed. It is typically used to sweep Completed
// or Cancelled tasks flagged AutoCleanup.
func (p *Platform) ClearByStatus(s task.Status, onlyAutoCleanup bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []task.ID
	removed := 0
	for _, id := range p.order {
		e := p.tasks[id]
		if e.t.Status() == s && (!onlyAutoCleanup || e.t.AutoCleanup()) {
			delete(p.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept
	return removed
}

// RegisterClaimer adds c to the registry so it can be discovered for
// statistics and bulk operations. It does not itself cause any claiming.
// It is an error to register two claimers with the same id.
func (p *Platform) RegisterClaimer(c *claimer.Claimer) error {
	p.mu.Lock()
	if _, exists := p.claimers[c.ID()]; exists {
		p.mu.Unlock()
		return errs.ClaimerAlreadyRegistered(c.ID())
	}
	p.claimers[c.ID()] = c
	p.mu.Unlock()
	p.bus.Publish(TopicClaimerRegistered, c.ID())
	return nil
}

// UnregisterClaimer removes the claimer with the given id from the
// registry. Any tasks it still holds are left untouched; callers should
// Abandon them first if desired.
func (p *Platform) UnregisterClaimer(id string) error {
	p.mu.Lock()
	if _, ok := p.claimers[id]; !ok {
		p.mu.Unlock()
		return errs.ClaimerNotFound(id)
	}
	delete(p.claimers, id)
	p.mu.Unlock()
	p.bus.Publish(TopicClaimerUnregistered, id)
	return nil
}

// Claimer looks up a registered claimer by id.
func (p *Platform) Claimer(id string) (*claimer.Claimer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.claimers[id]
	return c, ok
}

// GetClaimer looks up a registered claimer by id, returning an error
// instead of a boolean when it is not found.
func (p *Platform) GetClaimer(id string) (*claimer.Claimer, error) {
	c, ok := p.Claimer(id)
	if !ok {
		return nil, errs.ClaimerNotFound(id)
	}
	return c, nil
}

// Claimers returns a snapshot of every registered claimer.
func (p *Platform) Claimers() []*claimer.Claimer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*claimer.Claimer, 0, len(p.claimers))
	for _, c := range p.claimers {
		out = append(out, c)
	}
	return out
}

// ListClaimerIDs returns the ids of every registered claimer, in no
// particular order.
func (p *Platform) ListClaimerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.claimers))
	for id := range p.claimers {
		out = append(out, id)
	}
	return out
}

// candidate pairs a task entry with the affinity score a prospective
// claimer assigned it, for the selection scan below.
type candidate struct {
	e     *entry
	score float64
}

// priorityFirst ranks by priority, breaking ties by affinity score, for
// claim_next.
func priorityFirst(t *task.Task, score float64) float64 {
	return float64(t.Priority())*1000 + score
}

// affinityFirst ranks by affinity score, breaking ties by priority, for
// claim_matching.
func affinityFirst(t *task.Task, score float64) float64 {
	return score*1000 + float64(t.Priority())
}

// selectBest scans every Published task in insertion order, keeping the
// one with the highest rank as computed by rank(task, affinityScore);
// insertion order itself breaks remaining ties, since the scan only
// replaces the current best on a strict improvement. Every candidate must
// pass the category-match gate (CanHandle) and the role gate
// (MatchesRoles) before its score is even computed, per the selection
// algorithm's precision rule — a task scoring 0 on tags/priority is still
// a valid candidate once those gates pass. filter applies any additional,
// caller-supplied restriction and must be side-effect free.
func (p *Platform) selectBest(c *claimer.Claimer, filter func(t *task.Task) bool, rank func(t *task.Task, score float64) float64) *task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	slog.Debug("platform: selection scan started", "claimer_id", c.ID(), "candidates", len(p.order))

	var best *candidate
	for _, id := range p.order {
		e, ok := p.tasks[id]
		if !ok {
			continue
		}
		t := e.t
		if t.Status() != task.StatusPublished {
			continue
		}
		if !t.IsAllowed(c.ID()) {
			continue
		}
		if !c.CanHandle(t) {
			continue
		}
		if !c.MatchesRoles(t) {
			continue
		}
		if filter != nil && !filter(t) {
			continue
		}
		score := c.AffinityScore(t)
		r := rank(t, score)
		if best == nil || r > best.score {
			best = &candidate{e: e, score: r}
		}
	}
	if best == nil {
		slog.Debug("platform: selection scan found no match", "claimer_id", c.ID())
		return nil
	}
	slog.Debug("platform: selection scan matched", "claimer_id", c.ID(), "task_id", best.e.t.ID(), "score", best.score)
	return best.e.t
}

// ClaimNext implements claimer.Platform: the highest priority/affinity
// Published task this claimer is eligible for, with no extra filter.
func (p *Platform) ClaimNext(claimerID string) (*task.Task, error) {
	c, ok := p.Claimer(claimerID)
	if !ok {
		return nil, errs.ClaimerNotFound(claimerID)
	}
	t := p.selectBest(c, nil, priorityFirst)
	if t == nil {
		return nil, errs.PlatformNoAvailableTask()
	}
	if err := t.TryClaim(claimerID); err != nil {
		return nil, err
	}
	return t, nil
}

// ClaimMatching implements claimer.Platform: the Published task with the
// best affinity score for this claimer (ties broken by priority), derived
// entirely from the claimer's own registered categories/roles rather than
// an externally supplied filter.
func (p *Platform) ClaimMatching(claimerID string) (*task.Task, error) {
	c, ok := p.Claimer(claimerID)
	if !ok {
		return nil, errs.ClaimerNotFound(claimerID)
	}
	t := p.selectBest(c, nil, affinityFirst)
	if t == nil {
		return nil, errs.PlatformNoAvailableTask()
	}
	if err := t.TryClaim(claimerID); err != nil {
		return nil, err
	}
	return t, nil
}

// Claim implements claimer.Platform: claim one specific task by id.
func (p *Platform) Claim(claimerID, taskID string) (*task.Task, error) {
	c, ok := p.Claimer(claimerID)
	if !ok {
		return nil, errs.ClaimerNotFound(claimerID)
	}
	t, ok := p.Get(task.ID(taskID))
	if !ok {
		return nil, errs.TaskNotFound(taskID)
	}
	if t.IsBlacklisted(claimerID) {
		return nil, errs.ClaimerBlocked(claimerID, taskID)
	}
	if t.IsWhitelistExcluded(claimerID) {
		return nil, errs.ClaimerNotAllowed(claimerID, taskID)
	}
	if !c.CanHandle(t) {
		return nil, errs.TaskCategoryMismatch(taskID, t.Category())
	}
	if !c.MatchesRoles(t) {
		return nil, errs.ClaimerRoleMismatch(claimerID)
	}
	if err := t.TryClaim(claimerID); err != nil {
		return nil, err
	}
	return t, nil
}

// Statistics is a point-in-time snapshot of the whole platform.
type Statistics struct {
	TotalTasks     int
	ByStatus       map[task.Status]int
	TotalClaimers  int
	ClaimerByState map[claimer.Status]int
}

// Statistics returns a snapshot across every registered task and claimer.
func (p *Platform) Statistics() Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Statistics{
		ByStatus:       make(map[task.Status]int),
		ClaimerByState: make(map[claimer.Status]int),
	}
	for _, e := range p.tasks {
		stats.TotalTasks++
		stats.ByStatus[e.t.Status()]++
	}
	for _, c := range p.claimers {
		stats.TotalClaimers++
		stats.ClaimerByState[c.Status()]++
	}
	return stats
}

// reapableStatuses lists the terminal-ish statuses StartReaper sweeps on
// each tick.
var reapableStatuses = []task.Status{
	task.StatusCompleted,
	task.StatusCancelled,
	task.StatusFailed,
	task.StatusAbandoned,
}

// StartReaper launches a goroutine that calls ClearByStatus(s, true) for
// every reapable status on each tick of interval, until ctx is done. It
// returns immediately; the returned function stops the reaper, equivalent
// to cancelling ctx.
func (p *Platform) StartReaper(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range reapableStatuses {
					if n := p.ClearByStatus(s, true); n > 0 {
						slog.Info("platform: reaper swept tasks", "status", s, "count", n)
					}
				}
			}
		}
	}()
	return cancel
}

// Tasks returns a snapshot of every registered task, in publication order.
func (p *Platform) Tasks() []*task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*task.Task, 0, len(p.order))
	for _, id := range p.order {
		if e, ok := p.tasks[id]; ok {
			out = append(out, e.t)
		}
	}
	return out
}
