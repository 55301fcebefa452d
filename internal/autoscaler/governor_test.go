package autoscaler

import (
	"errors"
	"testing"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

func TestGovernorGovern(t *testing.T) {
	tests := []struct {
		name      string
		targets   []types.ScalingTarget
		snapshots map[string]types.InstanceSnapshot
		id        string
		proposed  types.ScalingAction
		want      types.ScalingAction
	}{
		{
			name:      "all satisfied passes scale up through",
			targets:   []types.ScalingTarget{target("a", 1, 10), target("b", 2, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(3), "b": running(2)},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.ScaleUp(1),
		},
		{
			name:      "all satisfied passes none through",
			targets:   []types.ScalingTarget{target("a", 1, 10), target("b", 2, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(3), "b": running(2)},
			id:        "a",
			proposed:  types.NoAction(),
			want:      types.NoAction(),
		},
		{
			name:      "other target below minimum forces scale down",
			targets:   []types.ScalingTarget{target("a", 0, 10), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(10), "b": running(1)},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.ScaleDown(1),
		},
		{
			name:      "other target without snapshot counts as unmet",
			targets:   []types.ScalingTarget{target("a", 1, 10), target("b", 0, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(5)},
			id:        "a",
			proposed:  types.NoAction(),
			want:      types.ScaleDown(1),
		},
		{
			name:      "reduction never goes below own minimum",
			targets:   []types.ScalingTarget{target("a", 19, 30), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(20), "b": running(0)},
			id:        "a",
			proposed:  types.ScaleUp(2),
			want:      types.ScaleDown(1),
		},
		{
			name:      "large target yields ten percent",
			targets:   []types.ScalingTarget{target("a", 0, 100), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(40), "b": running(0)},
			id:        "a",
			proposed:  types.NoAction(),
			want:      types.ScaleDown(4),
		},
		{
			name:      "target at its minimum holds",
			targets:   []types.ScalingTarget{target("a", 2, 10), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(2), "b": running(1)},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.NoAction(),
		},
		{
			name:      "own missing snapshot is treated as zero",
			targets:   []types.ScalingTarget{target("a", 0, 10), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"b": running(1)},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.NoAction(),
		},
		{
			name:      "starving target below its minimum grows to it",
			targets:   []types.ScalingTarget{target("a", 2, 10), target("b", 2, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(1), "b": running(1)},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.ScaleUp(1),
		},
		{
			name:      "starving target is raised to its full minimum",
			targets:   []types.ScalingTarget{target("a", 3, 10), target("b", 2, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(0), "b": running(0)},
			id:        "a",
			proposed:  types.NoAction(),
			want:      types.ScaleUp(3),
		},
		{
			name:      "scale down always passes through",
			targets:   []types.ScalingTarget{target("a", 0, 10), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(10), "b": running(0)},
			id:        "a",
			proposed:  types.ScaleDown(3),
			want:      types.ScaleDown(3),
		},
		{
			name:      "staging instances count towards the total",
			targets:   []types.ScalingTarget{target("a", 1, 10), target("b", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": {Running: 1, Staging: 1}, "b": {Running: 1, Staging: 2}},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.ScaleUp(1),
		},
		{
			name:      "single target is never starved by itself",
			targets:   []types.ScalingTarget{target("a", 3, 10)},
			snapshots: map[string]types.InstanceSnapshot{"a": running(0)},
			id:        "a",
			proposed:  types.ScaleUp(1),
			want:      types.ScaleUp(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(zaptest.NewLogger(t))
			for _, tgt := range tt.targets {
				g.Register(tgt)
			}
			for id, s := range tt.snapshots {
				g.RecordInstances(id, s)
			}

			got, err := g.Govern(tt.id, tt.proposed)
			if err != nil {
				t.Fatalf("Govern() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Govern() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGovernorStarvedTargetsReachMinimum(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	g.Register(target("a", 2, 10))
	g.Register(target("b", 2, 10))

	totals := map[string]int{"a": 1, "b": 1}
	for round := 0; round < 3; round++ {
		for _, id := range []string{"a", "b"} {
			g.RecordInstances(id, running(totals[id]))
		}
		for _, id := range []string{"a", "b"} {
			action, err := g.Govern(id, types.ScaleUp(1))
			if err != nil {
				t.Fatalf("Govern(%s) error: %v", id, err)
			}
			switch action.Operation {
			case types.OperationScaleUp:
				totals[id] += action.Amount
			case types.OperationScaleDown:
				totals[id] -= action.Amount
			}
		}
	}

	if totals["a"] < 2 || totals["b"] < 2 {
		t.Errorf("totals = %v, want both targets at their minimum of 2", totals)
	}
	if len(g.Unsatisfied()) != 0 {
		t.Errorf("Unsatisfied() = %v, want none", g.Unsatisfied())
	}
}

func TestGovernorRecordInstancesIgnoresUnknownTargets(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	g.Register(target("a", 0, 5))

	if g.RecordInstances("ghost", running(3)) {
		t.Error("RecordInstances() accepted an unregistered target")
	}
	if _, ok := g.Snapshot("ghost"); ok {
		t.Error("snapshot of an unregistered target was stored")
	}

	g.Remove("a")
	if g.RecordInstances("a", running(1)) {
		t.Error("RecordInstances() accepted a removed target")
	}
	if _, ok := g.Snapshot("a"); ok {
		t.Error("removed target got an orphan snapshot")
	}
}

func TestGovernorResourcePressure(t *testing.T) {
	limits := DefaultResourceLimits()
	limits.Enabled = true

	withPriority := func(n, priority int) types.InstanceSnapshot {
		return types.InstanceSnapshot{Running: n, ShutdownPriority: priority}
	}

	tests := []struct {
		name  string
		stage ResourceStage
		b     types.InstanceSnapshot
		want  types.ScalingAction
	}{
		{"no pressure keeps the guarantee", ResourceStageNone, withPriority(0, 1), types.ScaleDown(1)},
		{"shut down target is exempt", ResourceStageOne, withPriority(0, 1), types.ScaleUp(1)},
		{"priority above the stage threshold still counts", ResourceStageOne, withPriority(0, 2), types.ScaleDown(1)},
		{"higher stage exempts more", ResourceStageTwo, withPriority(0, 3), types.ScaleUp(1)},
		{"unprioritised target always counts", ResourceStageThree, withPriority(0, types.NoShutdownPriority), types.ScaleDown(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(zaptest.NewLogger(t))
			g.SetResourceLimits(limits)
			g.Register(target("a", 0, 10))
			g.Register(target("b", 2, 10))
			g.RecordInstances("a", running(5))
			g.RecordInstances("b", tt.b)

			got, err := g.GovernAt("a", types.ScaleUp(1), tt.stage)
			if err != nil {
				t.Fatalf("GovernAt() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("GovernAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGovernorUnregisteredTarget(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	g.Register(target("a", 0, 5))

	_, err := g.Govern("missing", types.ScaleUp(1))
	if !errors.Is(err, ErrTargetNotRegistered) {
		t.Errorf("Govern() error = %v, want ErrTargetNotRegistered", err)
	}

	g.Remove("a")
	if _, err := g.Govern("a", types.NoAction()); !errors.Is(err, ErrTargetNotRegistered) {
		t.Errorf("Govern() after Remove error = %v, want ErrTargetNotRegistered", err)
	}
	if _, ok := g.Snapshot("a"); ok {
		t.Error("Snapshot() after Remove should not be found")
	}
}

func TestGovernorIsIdempotent(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	g.Register(target("a", 0, 10))
	g.Register(target("b", 4, 10))
	g.RecordInstances("a", running(7))
	g.RecordInstances("b", running(1))

	first, err := g.Govern("a", types.ScaleUp(1))
	if err != nil {
		t.Fatalf("Govern() error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := g.Govern("a", types.ScaleUp(1))
		if err != nil {
			t.Fatalf("Govern() error: %v", err)
		}
		if again != first {
			t.Errorf("Govern() call %d = %v, want %v", i, again, first)
		}
	}
}

func TestGovernorConvergesToMinimum(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	g.Register(target("a", 2, 20))
	g.Register(target("b", 5, 10))
	g.RecordInstances("b", running(0))

	total := 20
	for i := 0; i < 100 && total > 2; i++ {
		g.RecordInstances("a", running(total))
		action, err := g.Govern("a", types.ScaleUp(1))
		if err != nil {
			t.Fatalf("Govern() error: %v", err)
		}
		if action.Operation != types.OperationScaleDown {
			t.Fatalf("Govern() at total %d = %v, want scale down", total, action)
		}
		total -= action.Amount
		if total < 2 {
			t.Fatalf("total dropped below minimum: %d", total)
		}
	}

	if total != 2 {
		t.Fatalf("total = %d, want convergence to 2", total)
	}
	g.RecordInstances("a", running(total))
	action, _ := g.Govern("a", types.ScaleUp(1))
	if !action.IsNone() {
		t.Errorf("Govern() at minimum = %v, want none", action)
	}
}

func TestGovernorUnsatisfied(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	g.Register(target("a", 1, 5))
	g.Register(target("b", 0, 5))
	g.Register(target("c", 2, 5))
	g.RecordInstances("b", running(0))
	g.RecordInstances("c", running(3))

	got := g.Unsatisfied()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("Unsatisfied() = %v, want [a]", got)
	}
}

func TestGovernorTargets(t *testing.T) {
	g := NewGovernor(zaptest.NewLogger(t))
	if got := g.Targets(); len(got) != 0 {
		t.Errorf("Targets() on empty governor = %v", got)
	}

	g.Register(target("b", 0, 5))
	g.Register(target("a", 1, 5))
	g.Register(target("b", 1, 3))
	g.RecordInstances("a", running(1))

	if got := g.Targets(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Targets() = %v, want [a b]", got)
	}

	g.Remove("a")
	if got := g.Targets(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Targets() after Remove = %v, want [b]", got)
	}
	if _, ok := g.Snapshot("a"); ok {
		t.Error("expected snapshot to be removed with the target")
	}
}
