package task

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatchkit/platform/internal/errs"
	"github.com/dispatchkit/platform/internal/events"
)

// Topic names for the events this package emits. Subscribers receive the
// payload types documented alongside each constant.
const (
	// TopicStatusChanged payload is StatusChange.
	TopicStatusChanged = "task.status_changed"
	// TopicProgressUpdated payload is int (0-100).
	TopicProgressUpdated = "task.progress_updated"
	// TopicClaimed payload is string (claimer id).
	TopicClaimed = "task.claimed"
	// TopicStarted payload is nil.
	TopicStarted = "task.started"
	// TopicCompleted payload is Result.
	TopicCompleted = "task.completed"
	// TopicFailed payload is error.
	TopicFailed = "task.failed"
	// TopicCancelled payload is nil.
	TopicCancelled = "task.cancelled"
	// TopicAbandoned payload is string (claimer id).
	TopicAbandoned = "task.abandoned"
	// TopicCancelRequested payload is string (reason).
	TopicCancelRequested = "task.cancel_requested"
)

// StatusChange is the payload delivered on TopicStatusChanged.
type StatusChange struct {
	Old Status
	New Status
}

// Result is the outcome of a successful handler invocation. A failing
// handler call instead returns a non-nil error from Execute (the error
// taxonomy's TaskExecutionFailed), so Result itself carries no error
// field: success and failure are distinguished by Execute's own error
// return, not by inspecting the Result.
type Result struct {
	Summary string
	Output  string
}

// Handler is user-supplied work. It receives the task (so it can poll
// cancellation and report progress) and a free-form input string.
type Handler func(t *Task, input string) (Result, error)

const (
	minPriority = 0
	maxPriority = 100
)

// Priority thresholds named in spec.md §6.
const (
	PriorityMin    = 0
	PriorityLow    = 25
	PriorityNormal = 50
	PriorityHigh   = 75
	PriorityMax    = 100
)

// Task is a single unit of work with identity, a cancellable lifecycle, a
// handler, and free-form metadata. The zero Task is not usable; construct
// with New.
type Task struct {
	id        ID
	createdAt time.Time

	status   atomic.Int32 // Status
	progress atomic.Int32 // 0-100

	publishedAtNS atomic.Int64
	claimedAtNS   atomic.Int64
	startedAtNS   atomic.Int64
	completedAtNS atomic.Int64

	cancelRequested atomic.Bool
	autoCleanup     atomic.Bool

	// dataMu guards every field below it: the descriptive fields, the
	// authorisation sets, and the claimer id. Handlers never touch this
	// lock.
	dataMu        sync.RWMutex
	title         string
	description   string
	category      string
	tags          map[string]struct{}
	metadata      map[string]string
	priority      int32
	claimerID     string
	whitelist     map[string]struct{}
	blacklist     map[string]struct{}
	requiredRoles map[string]struct{}
	cancelReason  string

	// handlerMu serialises concurrent Execute calls on the same task: at
	// most one handler invocation runs at a time, matching spec.md §4.1.
	handlerMu sync.Mutex
	handler   Handler

	bus *events.Bus
}

// New creates a Task in Draft status with the given title. Use the
// SetXxx/AddXxx mutators below to configure category, tags, priority,
// handler, etc. before Publish.
func New(title string) *Task {
	t := &Task{
		id:            NewID(),
		createdAt:     time.Now(),
		tags:          make(map[string]struct{}),
		metadata:      make(map[string]string),
		whitelist:     make(map[string]struct{}),
		blacklist:     make(map[string]struct{}),
		requiredRoles: make(map[string]struct{}),
		bus:           events.NewBus(),
		title:         title,
		priority:      PriorityNormal,
	}
	t.status.Store(int32(StatusDraft))
	return t
}

// ID returns the task's immutable identifier.
func (t *Task) ID() ID { return t.id }

// CreatedAt returns the task's immutable creation timestamp.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Status returns the current lifecycle status. It is always safe to call
// concurrently with any other operation.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// Progress returns the current progress percentage (0-100).
func (t *Task) Progress() int {
	return int(t.progress.Load())
}

// SetProgress clamps value to [0,100], stores it, and emits
// TopicProgressUpdated. It may be called from within a handler.
func (t *Task) SetProgress(value int) {
	if value < 0 {
		value = 0
	} else if value > 100 {
		value = 100
	}
	t.progress.Store(int32(value))
	t.bus.Publish(TopicProgressUpdated, value)
}

// Subscribe registers handler for topic on this task's event bus.
func (t *Task) Subscribe(topic string, handler events.Handler) *events.Subscription {
	return t.bus.Subscribe(topic, handler)
}

// --- descriptive field accessors (guarded by dataMu) ---

func (t *Task) Title() string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	return t.title
}

func (t *Task) SetTitle(title string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.title = title
}

func (t *Task) Description() string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	return t.description
}

func (t *Task) SetDescription(desc string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.description = desc
}

func (t *Task) Category() string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	return t.category
}

func (t *Task) SetCategory(category string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.category = category
}

// Tags returns a snapshot copy of the task's tag set.
func (t *Task) Tags() []string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	out := make([]string, 0, len(t.tags))
	for tag := range t.tags {
		out = append(out, tag)
	}
	return out
}

func (t *Task) AddTag(tag string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.tags[tag] = struct{}{}
}

func (t *Task) RemoveTag(tag string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	delete(t.tags, tag)
}

// Metadata returns a snapshot copy of the task's metadata map.
func (t *Task) Metadata() map[string]string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	out := make(map[string]string, len(t.metadata))
	for k, v := range t.metadata {
		out[k] = v
	}
	return out
}

func (t *Task) SetMetadata(key, value string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.metadata[key] = value
}

// Priority returns the clamped [0,100] priority.
func (t *Task) Priority() int {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	return int(t.priority)
}

func (t *Task) SetPriority(p int) {
	if p < minPriority {
		p = minPriority
	} else if p > maxPriority {
		p = maxPriority
	}
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.priority = int32(p)
}

// ClaimerID returns the id of the claimer currently holding this task, or ""
// if unclaimed (or claimed during an incarnation that has since republished).
func (t *Task) ClaimerID() string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	return t.claimerID
}

// AllowClaimer adds id to the whitelist.
func (t *Task) AllowClaimer(id string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.whitelist[id] = struct{}{}
}

// BlockClaimer adds id to the blacklist.
func (t *Task) BlockClaimer(id string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.blacklist[id] = struct{}{}
}

// IsBlacklisted reports whether claimerID has been explicitly blocked.
func (t *Task) IsBlacklisted(claimerID string) bool {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	_, blocked := t.blacklist[claimerID]
	return blocked
}

// IsWhitelistExcluded reports whether this task has a non-empty whitelist
// and claimerID does not appear in it. A task with no whitelist excludes
// nobody on this basis.
func (t *Task) IsWhitelistExcluded(claimerID string) bool {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	if len(t.whitelist) == 0 {
		return false
	}
	_, allowed := t.whitelist[claimerID]
	return !allowed
}

// IsAllowed reports whether claimerID may claim this task at all: it must
// not be blacklisted, and if the whitelist is non-empty it must appear in
// it. Blacklist dominates whitelist. Callers that need to report *which*
// rule rejected a claimer should use IsBlacklisted/IsWhitelistExcluded
// directly instead of this combined check.
func (t *Task) IsAllowed(claimerID string) bool {
	return !t.IsBlacklisted(claimerID) && !t.IsWhitelistExcluded(claimerID)
}

// RequireRole adds role to the set of roles a claimer must hold at least
// one of in order to claim this task. A task with no required roles
// imposes no role restriction.
func (t *Task) RequireRole(role string) {
	t.dataMu.Lock()
	defer t.dataMu.Unlock()
	t.requiredRoles[role] = struct{}{}
}

// RequiredRoles returns a snapshot copy of the task's required-role set.
func (t *Task) RequiredRoles() []string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	out := make([]string, 0, len(t.requiredRoles))
	for r := range t.requiredRoles {
		out = append(out, r)
	}
	return out
}

// AutoCleanup reports whether the platform may bulk-remove this task once it
// reaches a matching terminal status.
func (t *Task) AutoCleanup() bool { return t.autoCleanup.Load() }

// SetAutoCleanup sets the auto-cleanup flag.
func (t *Task) SetAutoCleanup(v bool) { t.autoCleanup.Store(v) }

// SetHandler installs the work function. Must be called before the task is
// claimed; Execute rejects with TaskNoHandler if none is set.
func (t *Task) SetHandler(h Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// IsCancelRequested reports whether cooperative cancellation has been
// requested. Handlers are expected to poll this.
func (t *Task) IsCancelRequested() bool { return t.cancelRequested.Load() }

// CancelReason returns the reason supplied to the most recent
// RequestCancel call, or "" if none has been requested.
func (t *Task) CancelReason() string {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	return t.cancelReason
}

// --- timestamps ---

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (t *Task) PublishedAt() time.Time { return nsToTime(t.publishedAtNS.Load()) }
func (t *Task) ClaimedAt() time.Time   { return nsToTime(t.claimedAtNS.Load()) }
func (t *Task) StartedAt() time.Time   { return nsToTime(t.startedAtNS.Load()) }
func (t *Task) CompletedAt() time.Time { return nsToTime(t.completedAtNS.Load()) }

// Snapshot is a read-only, lock-consistent view of a task's mutable state,
// intended for observers outside the event system (status commands,
// dashboards built on top of this library).
type Snapshot struct {
	ID            ID
	Title         string
	Description   string
	Category      string
	Tags          []string
	Metadata      map[string]string
	Priority      int
	Status        Status
	Progress      int
	ClaimerID     string
	RequiredRoles []string
	CreatedAt     time.Time
	PublishedAt   time.Time
	ClaimedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Snapshot returns a consistent copy of the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.dataMu.RLock()
	defer t.dataMu.RUnlock()
	tags := make([]string, 0, len(t.tags))
	for tag := range t.tags {
		tags = append(tags, tag)
	}
	md := make(map[string]string, len(t.metadata))
	for k, v := range t.metadata {
		md[k] = v
	}
	roles := make([]string, 0, len(t.requiredRoles))
	for r := range t.requiredRoles {
		roles = append(roles, r)
	}
	return Snapshot{
		ID:            t.id,
		Title:         t.title,
		Description:   t.description,
		Category:      t.category,
		Tags:          tags,
		Metadata:      md,
		Priority:      int(t.priority),
		Status:        t.Status(),
		Progress:      t.Progress(),
		ClaimerID:     t.claimerID,
		RequiredRoles: roles,
		CreatedAt:     t.createdAt,
		PublishedAt:   nsToTime(t.publishedAtNS.Load()),
		ClaimedAt:     nsToTime(t.claimedAtNS.Load()),
		StartedAt:     nsToTime(t.startedAtNS.Load()),
		CompletedAt:   nsToTime(t.completedAtNS.Load()),
	}
}

// --- lifecycle transitions ---
//
// Every transition is a single CAS on t.status; the CAS is the
// linearisation point (spec.md §4.1/§5). No path reads-then-writes status
// under a lock as a substitute for CAS.

func (t *Task) cas(from, to Status) bool {
	return t.status.CompareAndSwap(int32(from), int32(to))
}

// casAny attempts to move status from any of the allowed source states to
// `to`, retrying if a concurrent transition changes the value but the new
// value is still one of the allowed sources (so the loop only spins under
// genuine contention between equally-valid transitions, never forever). It
// returns the source status the CAS actually moved from, for event payloads.
func (t *Task) casAny(allowed []Status, to Status) (from Status, ok bool) {
	for {
		cur := Status(t.status.Load())
		allowedNow := false
		for _, a := range allowed {
			if cur == a {
				allowedNow = true
				break
			}
		}
		if !allowedNow {
			return 0, false
		}
		if t.status.CompareAndSwap(int32(cur), int32(to)) {
			return cur, true
		}
	}
}

func (t *Task) emitStatusChanged(old, new Status) {
	slog.Info("task status changed", "task_id", t.id, "old", old, "new", new)
	t.bus.Publish(TopicStatusChanged, StatusChange{Old: old, New: new})
}

// Publish moves a Draft task to Published.
func (t *Task) Publish() error {
	if !t.cas(StatusDraft, StatusPublished) {
		return errs.TaskStatusInvalid("publish", t.Status().String())
	}
	t.publishedAtNS.Store(time.Now().UnixNano())
	t.emitStatusChanged(StatusDraft, StatusPublished)
	return nil
}

// TryClaim is the atomic claim primitive: CAS(Published -> Claimed). On
// success it records claimerID/claimedAt and emits status-changed + claimed.
// Exactly one concurrent caller succeeds; all others receive
// TaskAlreadyClaimed. Authorisation is the caller's responsibility (the
// Platform/Claimer layers check it before calling TryClaim); TryClaim itself
// only enforces the state machine.
func (t *Task) TryClaim(claimerID string) error {
	if !t.cas(StatusPublished, StatusClaimed) {
		return errs.TaskAlreadyClaimed(string(t.id))
	}
	t.dataMu.Lock()
	t.claimerID = claimerID
	t.dataMu.Unlock()
	t.claimedAtNS.Store(time.Now().UnixNano())
	t.emitStatusChanged(StatusPublished, StatusClaimed)
	t.bus.Publish(TopicClaimed, claimerID)
	return nil
}

// Start moves Claimed -> Processing.
func (t *Task) Start() error {
	if !t.cas(StatusClaimed, StatusProcessing) {
		return errs.TaskStatusInvalid("start", t.Status().String())
	}
	t.startedAtNS.Store(time.Now().UnixNano())
	t.emitStatusChanged(StatusClaimed, StatusProcessing)
	t.bus.Publish(TopicStarted, nil)
	return nil
}

// Pause moves Processing -> Paused.
func (t *Task) Pause() error {
	if !t.cas(StatusProcessing, StatusPaused) {
		return errs.TaskStatusInvalid("pause", t.Status().String())
	}
	t.emitStatusChanged(StatusProcessing, StatusPaused)
	return nil
}

// Resume moves Paused -> Processing.
func (t *Task) Resume() error {
	if !t.cas(StatusPaused, StatusProcessing) {
		return errs.TaskStatusInvalid("resume", t.Status().String())
	}
	t.emitStatusChanged(StatusPaused, StatusProcessing)
	return nil
}

// Complete moves Processing -> Completed. It is the finalisation primitive:
// concurrent callers race the CAS and exactly one succeeds; the rest
// observe TaskStatusInvalid. Progress is forced to 100.
func (t *Task) Complete(result Result) error {
	if !t.cas(StatusProcessing, StatusCompleted) {
		return errs.TaskStatusInvalid("complete", t.Status().String())
	}
	t.progress.Store(100)
	t.completedAtNS.Store(time.Now().UnixNano())
	t.emitStatusChanged(StatusProcessing, StatusCompleted)
	t.bus.Publish(TopicCompleted, result)
	return nil
}

// Fail moves Processing -> Failed.
func (t *Task) Fail(reason error) error {
	if !t.cas(StatusProcessing, StatusFailed) {
		return errs.TaskStatusInvalid("fail", t.Status().String())
	}
	t.emitStatusChanged(StatusProcessing, StatusFailed)
	t.bus.Publish(TopicFailed, reason)
	return nil
}

// Abandon moves {Claimed,Processing,Paused} -> Abandoned. Like Complete,
// this is a finalisation primitive: of any number of concurrent callers
// (possibly racing against Complete/Fail too), exactly one transition wins.
func (t *Task) Abandon(reason string) error {
	from, ok := t.casAny([]Status{StatusClaimed, StatusProcessing, StatusPaused}, StatusAbandoned)
	if !ok {
		return errs.TaskStatusInvalid("abandon", t.Status().String())
	}
	t.dataMu.Lock()
	claimerID := t.claimerID
	t.dataMu.Unlock()
	t.emitStatusChanged(from, StatusAbandoned)
	t.bus.Publish(TopicAbandoned, claimerID)
	_ = reason
	return nil
}

// Cancel moves Published -> Cancelled (terminal).
func (t *Task) Cancel() error {
	if !t.cas(StatusPublished, StatusCancelled) {
		return errs.TaskStatusInvalid("cancel", t.Status().String())
	}
	t.emitStatusChanged(StatusPublished, StatusCancelled)
	t.bus.Publish(TopicCancelled, nil)
	return nil
}

// Republish moves {Failed,Abandoned} -> Published, clearing the previous
// claimer and stamping a new published_at.
func (t *Task) Republish() error {
	from, ok := t.casAny([]Status{StatusFailed, StatusAbandoned}, StatusPublished)
	if !ok {
		return errs.TaskStatusInvalid("republish", t.Status().String())
	}
	t.dataMu.Lock()
	t.claimerID = ""
	t.dataMu.Unlock()
	t.publishedAtNS.Store(time.Now().UnixNano())
	t.emitStatusChanged(from, StatusPublished)
	return nil
}

// RequestCancel sets the cooperative cancellation flag (idempotent: only
// the first call records the reason/timestamp and emits the event) and
// stores spec-mandated metadata keys cancel.reason / cancel.requested_at.
// It never itself changes Status; the handler is expected to poll
// IsCancelRequested and return an error, which Execute then reports as a
// normal Processing -> Failed transition.
func (t *Task) RequestCancel(reason string) {
	if !t.cancelRequested.CompareAndSwap(false, true) {
		return
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	t.dataMu.Lock()
	t.cancelReason = reason
	t.metadata["cancel.reason"] = reason
	t.metadata["cancel.requested_at"] = now
	t.dataMu.Unlock()
	t.bus.Publish(TopicCancelRequested, reason)
}

// Execute dispatches the handler under the handler lock, so at most one
// invocation of Execute runs at a time for a given task. It is valid to
// call from Claimed (in which case it performs the Claimed->Processing
// transition itself and emits started) or from Processing directly. Any
// other status is rejected with TaskStatusInvalid. A nil handler is
// rejected with TaskNoHandler before any status transition.
func (t *Task) Execute(input string) (Result, error) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()

	handler := t.handler
	if handler == nil {
		return Result{}, errs.TaskNoHandler(string(t.id))
	}

	switch t.Status() {
	case StatusClaimed:
		if err := t.Start(); err != nil {
			return Result{}, err
		}
	case StatusProcessing:
		// already started by the caller via Start — proceed directly.
	default:
		return Result{}, errs.TaskStatusInvalid("execute", t.Status().String())
	}

	result, err := handler(t, input)
	if err != nil {
		wrapped := errs.TaskExecutionFailed(string(t.id), err)
		if ferr := t.Fail(wrapped); ferr != nil {
			// Lost a race to a concurrent finalizer (e.g. Abandon); the
			// handler's error still describes what happened, but the task
			// state is whatever won the race. Surface the handler error.
			slog.Warn("task execute: fail transition lost race", "task_id", t.id, "error", ferr)
		}
		return Result{}, wrapped
	}

	if cerr := t.Complete(result); cerr != nil {
		slog.Warn("task execute: complete transition lost race", "task_id", t.id, "error", cerr)
	}
	return result, nil
}

// String implements fmt.Stringer for debug logging.
func (t *Task) String() string {
	return fmt.Sprintf("Task{id=%s status=%s}", t.id, t.Status())
}
