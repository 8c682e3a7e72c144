package claimer_test

import (
	"testing"

	"github.com/dispatchkit/platform/internal/claimer"
	"github.com/dispatchkit/platform/internal/platform"
	"github.com/dispatchkit/platform/internal/task"
)

func TestDerivedStatus(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 2)
	p.RegisterClaimer(c)

	if c.Status() != claimer.StatusIdle {
		t.Fatalf("fresh claimer status = %s, want idle", c.Status())
	}

	c.Pause()
	if c.Status() != claimer.StatusPaused {
		t.Fatalf("status after pause = %s", c.Status())
	}
	c.Resume()
	if c.Status() != claimer.StatusIdle {
		t.Fatalf("status after resume = %s", c.Status())
	}

	c.Stop()
	if c.Status() != claimer.StatusOffline {
		t.Fatalf("status after stop = %s", c.Status())
	}
}

func TestClaimToCapacityFillsToCapacity(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 2)
	p.RegisterClaimer(c)

	for i := 0; i < 3; i++ {
		tk := task.New("job")
		if err := p.Publish(tk); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	claimed := c.ClaimToCapacity()
	if len(claimed) != 2 {
		t.Fatalf("claimed %d tasks, want 2 (capacity)", len(claimed))
	}
	if c.Status() != claimer.StatusBusy {
		t.Fatalf("status at capacity = %s, want busy", c.Status())
	}
	if _, err := c.ClaimNext(); err == nil {
		t.Fatalf("expected claim at capacity to fail")
	}
}

func TestCanHandleCategoryGate(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	c.AddCategory("image")
	p.RegisterClaimer(c)

	tk := task.New("resize")
	tk.SetCategory("video")
	if c.CanHandle(tk) {
		t.Fatalf("claimer should not handle mismatched category")
	}

	tk2 := task.New("resize2")
	tk2.SetCategory("image")
	if !c.CanHandle(tk2) {
		t.Fatalf("claimer should handle matching category")
	}
}

func TestNameAndRoles(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	p.RegisterClaimer(c)

	if c.Name() != "w1" {
		t.Fatalf("default name = %q, want claimer id", c.Name())
	}
	c.SetName("render-worker-1")
	if c.Name() != "render-worker-1" {
		t.Fatalf("name after SetName = %q", c.Name())
	}

	c.AddRole("clearance:top-secret")
	c.AddRole("region:eu")
	roles := c.Roles()
	if len(roles) != 2 || roles[0] != "clearance:top-secret" || roles[1] != "region:eu" {
		t.Fatalf("roles = %v, want sorted [clearance:top-secret region:eu]", roles)
	}

	c.RemoveRole("region:eu")
	if roles := c.Roles(); len(roles) != 1 || roles[0] != "clearance:top-secret" {
		t.Fatalf("roles after remove = %v", roles)
	}

	tk := task.New("job")
	tk.RequireRole("clearance:top-secret")
	if !c.MatchesRoles(tk) {
		t.Fatalf("claimer with matching role should satisfy MatchesRoles")
	}

	tk2 := task.New("job2")
	tk2.RequireRole("clearance:secret")
	if c.MatchesRoles(tk2) {
		t.Fatalf("claimer without the required role should not satisfy MatchesRoles")
	}
}

func TestAffinityScoreWeighting(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	c.AddCategory("image")
	c.AddCategory("gpu")
	p.RegisterClaimer(c)

	tk := task.New("job")
	tk.SetCategory("image")
	tk.AddTag("gpu")
	tk.AddTag("cpu")
	tk.SetPriority(50)

	// 50 (category match) + 30*(1/2) (one of two tags matches a category) + 20*0.5 (priority) = 75
	if score := c.AffinityScore(tk); score != 75 {
		t.Fatalf("affinity score = %v, want 75", score)
	}

	// No category, no tags, default priority 50: only the priority term counts, 20*0.5 = 10
	plain := task.New("plain")
	if score := c.AffinityScore(plain); score != 10 {
		t.Fatalf("affinity score for a bare task = %v, want 10", score)
	}
}

func TestRunReleasesSlotOnCompletion(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	p.RegisterClaimer(c)

	tk := task.New("job")
	tk.SetHandler(func(t *task.Task, input string) (task.Result, error) {
		return task.Result{Summary: "done"}, nil
	})
	if err := p.Publish(tk); err != nil {
		t.Fatalf("publish: %v", err)
	}

	claimed, err := c.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c.InFlight() != 1 {
		t.Fatalf("in-flight = %d, want 1", c.InFlight())
	}
	if _, err := c.Run(claimed, ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.InFlight() != 0 {
		t.Fatalf("in-flight after completion = %d, want 0", c.InFlight())
	}
	stats := c.Statistics()
	if stats.CompletedTotal != 1 {
		t.Fatalf("completed total = %d, want 1", stats.CompletedTotal)
	}
}

func TestSetMaxConcurrencyRaisesCapacity(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	p.RegisterClaimer(c)

	for i := 0; i < 2; i++ {
		tk := task.New("job")
		if err := p.Publish(tk); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	claimed := c.ClaimToCapacity()
	if len(claimed) != 1 {
		t.Fatalf("claimed %d tasks before resize, want 1", len(claimed))
	}

	c.SetMaxConcurrency(2)
	more := c.ClaimToCapacity()
	if len(more) != 1 {
		t.Fatalf("claimed %d tasks after resize, want 1 more", len(more))
	}
}

func TestHasTaskAndSnapshot(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	c.AddCategory("image")
	p.RegisterClaimer(c)

	tk := task.New("job")
	if err := p.Publish(tk); err != nil {
		t.Fatalf("publish: %v", err)
	}
	claimed, err := c.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !c.HasTask(string(claimed.ID())) {
		t.Fatalf("HasTask = false, want true for held task")
	}

	snap := c.Snapshot()
	if snap.ID != "w1" || snap.InFlight != 1 || snap.MaxConcurrency != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	c.RemoveCategory("image")
	if len(c.Categories()) != 0 {
		t.Fatalf("categories after RemoveCategory = %v, want empty", c.Categories())
	}
}

func TestAbandonReleasesTaskBackToPlatform(t *testing.T) {
	p := platform.New()
	c := claimer.New("w1", p, 1)
	p.RegisterClaimer(c)

	tk := task.New("job")
	if err := p.Publish(tk); err != nil {
		t.Fatalf("publish: %v", err)
	}
	claimed, err := c.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := c.Abandon(claimed, "worker restart"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if c.InFlight() != 0 {
		t.Fatalf("in-flight after abandon = %d", c.InFlight())
	}
	if claimed.Status() != task.StatusAbandoned {
		t.Fatalf("task status = %s, want abandoned", claimed.Status())
	}
}
