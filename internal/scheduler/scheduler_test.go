package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/worldmind/worldmind/internal/models"
)

func task(id string, deps ...string) models.Task {
	return models.Task{
		ID:            id,
		Agent:         models.AgentCoder,
		Description:   "task " + id,
		Dependencies:  deps,
		Status:        models.TaskPending,
		MaxIterations: models.DefaultMaxIterations,
		OnFailure:     models.StrategyRetry,
	}
}

func completed(ids ...string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func TestNextWave_Parallel(t *testing.T) {
	tasks := []models.Task{
		task("TASK-001"),
		task("TASK-002"),
		task("TASK-003", "TASK-001"),
		task("TASK-004", "TASK-001", "TASK-002"),
	}

	tests := []struct {
		name        string
		completed   map[string]bool
		maxParallel int
		want        []string
	}{
		{"initial wave", completed(), 4, []string{"TASK-001", "TASK-002"}},
		{"cap applies", completed(), 1, []string{"TASK-001"}},
		{"deps unblock", completed("TASK-001"), 4, []string{"TASK-002", "TASK-003"}},
		{"all deps met", completed("TASK-001", "TASK-002"), 4, []string{"TASK-003", "TASK-004"}},
		{"all done", completed("TASK-001", "TASK-002", "TASK-003", "TASK-004"), 4, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextWave(tasks, tt.completed, models.StrategyParallel, tt.maxParallel)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextWave_Sequential(t *testing.T) {
	tasks := []models.Task{
		task("TASK-001"),
		task("TASK-002"),
	}
	got := NextWave(tasks, completed(), models.StrategySequential, 8)
	assert.Equal(t, []string{"TASK-001"}, got)
}

func TestNextWave_PreservesPlanningOrder(t *testing.T) {
	// Planning order must win even when later tasks became ready first.
	tasks := []models.Task{
		task("TASK-003"),
		task("TASK-001"),
		task("TASK-002"),
	}
	got := NextWave(tasks, completed(), models.StrategyParallel, 3)
	assert.Equal(t, []string{"TASK-003", "TASK-001", "TASK-002"}, got)
}

func TestNextWave_SkipsTerminallyFailed(t *testing.T) {
	failed := task("TASK-001")
	failed.Status = models.TaskFailed
	failed.Iteration = failed.MaxIterations
	failed.OnFailure = models.StrategyEscalate

	tasks := []models.Task{failed, task("TASK-002")}
	got := NextWave(tasks, completed(), models.StrategyParallel, 4)
	assert.Equal(t, []string{"TASK-002"}, got)
}

func TestNextWave_FailedWithRetriesLeftIsReady(t *testing.T) {
	retrying := task("TASK-001")
	retrying.Status = models.TaskFailed
	retrying.Iteration = 1

	got := NextWave([]models.Task{retrying}, completed(), models.StrategyParallel, 4)
	assert.Equal(t, []string{"TASK-001"}, got)
}

func TestNextWave_BlockedByFailedDepEmitsEmpty(t *testing.T) {
	dead := task("TASK-001")
	dead.Status = models.TaskFailed
	dead.Iteration = dead.MaxIterations

	tasks := []models.Task{dead, task("TASK-002", "TASK-001")}
	got := NextWave(tasks, completed(), models.StrategyParallel, 4)
	assert.Nil(t, got)
	assert.True(t, Remaining(tasks, completed()))
}

func TestNextWave_MaxParallelFloor(t *testing.T) {
	tasks := []models.Task{task("TASK-001"), task("TASK-002")}
	got := NextWave(tasks, completed(), models.StrategyParallel, 0)
	assert.Equal(t, []string{"TASK-001"}, got)
}

func TestRemaining(t *testing.T) {
	tasks := []models.Task{task("TASK-001"), task("TASK-002")}
	assert.True(t, Remaining(tasks, completed("TASK-001")))
	assert.False(t, Remaining(tasks, completed("TASK-001", "TASK-002")))
}

func TestOscillator_DetectsLockstepRetry(t *testing.T) {
	o := NewOscillator(DefaultWindowSize, DefaultWaveThreshold)

	wave := []string{"TASK-001", "TASK-002"}
	detected := false
	var at int
	for i := 1; i <= 12; i++ {
		if o.Observe(wave, i) {
			detected = true
			at = i
			break
		}
	}
	assert.True(t, detected, "identical waves past the threshold must trip the detector")
	assert.Greater(t, at, DefaultWaveThreshold)
}

func TestOscillator_OrderInsensitiveFingerprint(t *testing.T) {
	o := NewOscillator(4, 6)
	for i := 1; i <= 7; i++ {
		o.Observe([]string{"TASK-002", "TASK-001"}, i)
	}
	assert.True(t, o.Observe([]string{"TASK-001", "TASK-002"}, 8))
}

func TestOscillator_ProgressResetsPattern(t *testing.T) {
	o := NewOscillator(4, 6)
	tripped := false
	for i := 1; i <= 20; i++ {
		// Every wave differs, so no oscillation however many waves run.
		if o.Observe([]string{fmt.Sprintf("TASK-%03d", i)}, i) {
			tripped = true
		}
	}
	assert.False(t, tripped)
}

func TestOscillator_SilentBelowThreshold(t *testing.T) {
	o := NewOscillator(4, 6)
	for i := 1; i <= 6; i++ {
		assert.False(t, o.Observe([]string{"TASK-001"}, i), "wave %d", i)
	}
}

func TestOscillator_RepeatedOnce(t *testing.T) {
	o := NewOscillator(4, 6)
	o.Observe([]string{"TASK-001"}, 1)
	assert.False(t, o.RepeatedOnce())
	o.Observe([]string{"TASK-001"}, 2)
	assert.True(t, o.RepeatedOnce())
	o.Observe([]string{"TASK-002"}, 3)
	assert.False(t, o.RepeatedOnce())
}
