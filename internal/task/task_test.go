package task

import (
	"errors"
	"sync"
	"testing"

	"github.com/dispatchkit/platform/internal/errs"
)

func TestPublishClaimLifecycle(t *testing.T) {
	tk := New("demo")
	if tk.Status() != StatusDraft {
		t.Fatalf("new task status = %s, want draft", tk.Status())
	}
	if err := tk.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if tk.Status() != StatusPublished {
		t.Fatalf("status after publish = %s", tk.Status())
	}
	if err := tk.TryClaim("worker-1"); err != nil {
		t.Fatalf("try claim: %v", err)
	}
	if tk.ClaimerID() != "worker-1" {
		t.Fatalf("claimer id = %q", tk.ClaimerID())
	}
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tk.Complete(Result{Summary: "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tk.Progress() != 100 {
		t.Fatalf("progress after complete = %d, want 100", tk.Progress())
	}
	if tk.CompletedAt().IsZero() {
		t.Fatalf("completed_at not stamped")
	}
}

func TestTryClaimRace(t *testing.T) {
	tk := New("demo")
	if err := tk.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err := tk.TryClaim("worker")
			successes[idx] = err == nil
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range successes {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
	if tk.Status() != StatusClaimed {
		t.Fatalf("status after race = %s", tk.Status())
	}
}

func TestFinalizeRaceCompleteVsAbandon(t *testing.T) {
	tk := New("demo")
	_ = tk.Publish()
	_ = tk.TryClaim("worker")
	_ = tk.Start()

	var wg sync.WaitGroup
	var completeErr, abandonErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		completeErr = tk.Complete(Result{Summary: "ok"})
	}()
	go func() {
		defer wg.Done()
		abandonErr = tk.Abandon("worker died")
	}()
	wg.Wait()

	if (completeErr == nil) == (abandonErr == nil) {
		t.Fatalf("expected exactly one finalizer to win: complete=%v abandon=%v", completeErr, abandonErr)
	}
	final := tk.Status()
	if final != StatusCompleted && final != StatusAbandoned {
		t.Fatalf("unexpected final status %s", final)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	tk := New("demo")
	_ = tk.Publish()
	_ = tk.TryClaim("worker")
	_ = tk.Start()
	if err := tk.Complete(Result{Summary: "ok"}); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := tk.Complete(Result{Summary: "ok"}); !errs.Is(err, errs.TaskStatusInvalidCode) {
		t.Fatalf("second complete = %v, want TaskStatusInvalid", err)
	}
}

func TestAuthorization(t *testing.T) {
	tk := New("demo")
	tk.BlockClaimer("evil")
	if tk.IsAllowed("evil") {
		t.Fatalf("blacklisted claimer allowed")
	}
	if !tk.IsAllowed("anyone-else") {
		t.Fatalf("non-blacklisted claimer rejected with empty whitelist")
	}

	tk2 := New("demo2")
	tk2.AllowClaimer("friend")
	if tk2.IsAllowed("stranger") {
		t.Fatalf("non-whitelisted claimer allowed when whitelist set")
	}
	if !tk2.IsAllowed("friend") {
		t.Fatalf("whitelisted claimer rejected")
	}

	tk3 := New("demo3")
	tk3.AllowClaimer("friend")
	tk3.BlockClaimer("friend")
	if tk3.IsAllowed("friend") {
		t.Fatalf("blacklist did not dominate whitelist")
	}
}

func TestRequestCancelMetadata(t *testing.T) {
	tk := New("demo")
	tk.RequestCancel("operator request")
	if !tk.IsCancelRequested() {
		t.Fatalf("cancel not flagged")
	}
	md := tk.Metadata()
	if md["cancel.reason"] != "operator request" {
		t.Fatalf("cancel.reason = %q", md["cancel.reason"])
	}
	if md["cancel.requested_at"] == "" {
		t.Fatalf("cancel.requested_at not set")
	}

	// idempotent: a second call must not overwrite the first reason.
	tk.RequestCancel("second reason")
	if tk.CancelReason() != "operator request" {
		t.Fatalf("cancel reason overwritten: %q", tk.CancelReason())
	}
}

func TestExecuteNoHandler(t *testing.T) {
	tk := New("demo")
	_ = tk.Publish()
	_ = tk.TryClaim("worker")
	if _, err := tk.Execute(""); !errs.Is(err, errs.TaskNoHandlerCode) {
		t.Fatalf("execute with no handler = %v, want TaskNoHandler", err)
	}
}

func TestExecuteSuccessAndFailure(t *testing.T) {
	tk := New("demo")
	tk.SetHandler(func(t *Task, input string) (Result, error) {
		return Result{Summary: "worked", Output: input}, nil
	})
	_ = tk.Publish()
	_ = tk.TryClaim("worker")
	result, err := tk.Execute("payload")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "payload" {
		t.Fatalf("output = %q", result.Output)
	}
	if tk.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", tk.Status())
	}

	tk2 := New("demo2")
	boom := errors.New("boom")
	tk2.SetHandler(func(t *Task, input string) (Result, error) {
		return Result{}, boom
	})
	_ = tk2.Publish()
	_ = tk2.TryClaim("worker")
	if _, err := tk2.Execute(""); !errs.Is(err, errs.TaskExecutionFailedCode) {
		t.Fatalf("execute error = %v, want TaskExecutionFailed", err)
	}
	if tk2.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", tk2.Status())
	}
}

func TestRepublish(t *testing.T) {
	tk := New("demo")
	_ = tk.Publish()
	_ = tk.TryClaim("worker")
	_ = tk.Abandon("crashed")
	if tk.Status() != StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", tk.Status())
	}
	if err := tk.Republish(); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if tk.Status() != StatusPublished {
		t.Fatalf("status after republish = %s", tk.Status())
	}
	if tk.ClaimerID() != "" {
		t.Fatalf("claimer id not cleared: %q", tk.ClaimerID())
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	tk := New("demo")
	tk.SetCategory("image")
	tk.AddTag("gpu")
	tk.SetPriority(80)
	tk.SetAutoCleanup(true)
	_ = tk.Publish()
	_ = tk.TryClaim("worker-1")

	snap := tk.Snapshot()
	if snap.Category != "image" || snap.Priority != 80 || snap.ClaimerID != "worker-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Tags) != 1 || snap.Tags[0] != "gpu" {
		t.Fatalf("snapshot tags = %v, want [gpu]", snap.Tags)
	}
	if snap.Status != StatusClaimed {
		t.Fatalf("snapshot status = %s, want claimed", snap.Status)
	}
	if !tk.AutoCleanup() {
		t.Fatalf("auto cleanup flag not set")
	}
}

func TestEventsEmitted(t *testing.T) {
	tk := New("demo")
	var changes []StatusChange
	tk.Subscribe(TopicStatusChanged, func(payload any) {
		changes = append(changes, payload.(StatusChange))
	})
	_ = tk.Publish()
	_ = tk.TryClaim("worker")
	_ = tk.Start()
	_ = tk.Complete(Result{Summary: "ok"})

	if len(changes) != 4 {
		t.Fatalf("got %d status changes, want 4: %+v", len(changes), changes)
	}
	if changes[len(changes)-1].New != StatusCompleted {
		t.Fatalf("last change = %+v", changes[len(changes)-1])
	}
}
