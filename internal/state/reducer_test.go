package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/models"
)

func TestApplyPatch_LastWrite(t *testing.T) {
	s := models.MissionState{Status: models.MissionCreated}

	next, err := ApplyPatch(s, Patch{
		MissionID:    StringPtr("wmnd-2026-0001"),
		Request:      StringPtr("build a thing"),
		RetryContext: StringPtr("previous attempt failed"),
	})
	require.NoError(t, err)
	assert.Equal(t, "wmnd-2026-0001", next.MissionID)
	assert.Equal(t, "build a thing", next.Request)
	assert.Equal(t, "previous attempt failed", next.RetryContext)

	// Empty string pointer clears retry context.
	next, err = ApplyPatch(next, Patch{RetryContext: StringPtr("")})
	require.NoError(t, err)
	assert.Empty(t, next.RetryContext)
}

func TestApplyPatch_InputNotMutated(t *testing.T) {
	s := models.MissionState{
		Status:           models.MissionExecuting,
		CompletedTaskIDs: []string{"TASK-001"},
		Errors:           []string{"first"},
	}

	_, err := ApplyPatch(s, Patch{
		CompletedTaskIDs: []string{"TASK-002"},
		Errors:           []string{"second"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK-001"}, s.CompletedTaskIDs)
	assert.Equal(t, []string{"first"}, s.Errors)
}

func TestApplyPatch_UnionAppendIdempotent(t *testing.T) {
	s := models.MissionState{Status: models.MissionExecuting}
	p := Patch{CompletedTaskIDs: []string{"TASK-001", "TASK-002"}}

	once, err := ApplyPatch(s, p)
	require.NoError(t, err)
	twice, err := ApplyPatch(once, p)
	require.NoError(t, err)

	assert.Equal(t, once.CompletedTaskIDs, twice.CompletedTaskIDs)
	assert.Equal(t, []string{"TASK-001", "TASK-002"}, twice.CompletedTaskIDs)
}

func TestApplyPatch_UnionAppendPreservesFirstSeenOrder(t *testing.T) {
	s := models.MissionState{
		Status:           models.MissionExecuting,
		CompletedTaskIDs: []string{"TASK-002"},
	}

	next, err := ApplyPatch(s, Patch{CompletedTaskIDs: []string{"TASK-001", "TASK-002", "TASK-003"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK-002", "TASK-001", "TASK-003"}, next.CompletedTaskIDs)
}

func TestApplyPatch_ReplaceWaveResults(t *testing.T) {
	s := models.MissionState{
		Status: models.MissionExecuting,
		WaveDispatchResults: []models.WaveDispatchResult{
			{TaskID: "TASK-001", Status: models.TaskPassed},
		},
	}

	next, err := ApplyPatch(s, Patch{
		WaveDispatchResults: []models.WaveDispatchResult{
			{TaskID: "TASK-002", Status: models.TaskFailed},
		},
	})
	require.NoError(t, err)
	require.Len(t, next.WaveDispatchResults, 1)
	assert.Equal(t, "TASK-002", next.WaveDispatchResults[0].TaskID)

	// Explicit replace with an empty collection clears the previous wave.
	next, err = ApplyPatch(next, Patch{ReplaceWaveResults: true})
	require.NoError(t, err)
	assert.Empty(t, next.WaveDispatchResults)
}

func TestApplyPatch_WaveCountMonotonic(t *testing.T) {
	s := models.MissionState{Status: models.MissionExecuting, WaveCount: 3}

	next, err := ApplyPatch(s, Patch{WaveCount: IntPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, 3, next.WaveCount)

	next, err = ApplyPatch(next, Patch{WaveCount: IntPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, next.WaveCount)
}

func TestApplyPatch_AppendFields(t *testing.T) {
	s := models.MissionState{Status: models.MissionExecuting}

	next, err := ApplyPatch(s, Patch{
		Errors:      []string{"TASK-001: provider unavailable"},
		TestResults: []models.TestResult{{TaskID: "TASK-001", Passed: true}},
		Sandboxes:   []models.SandboxInfo{{SandboxID: "sb-1", TaskID: "TASK-001"}},
	})
	require.NoError(t, err)

	next, err = ApplyPatch(next, Patch{
		Errors: []string{"TASK-002: timeout"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK-001: provider unavailable", "TASK-002: timeout"}, next.Errors)
	assert.Len(t, next.TestResults, 1)
	assert.Len(t, next.Sandboxes, 1)
}

func TestApplyPatch_StatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    models.MissionStatus
		to      models.MissionStatus
		wantErr bool
	}{
		{"forward", models.MissionCreated, models.MissionClassifying, false},
		{"skip forward", models.MissionPlanning, models.MissionExecuting, false},
		{"same status", models.MissionExecuting, models.MissionExecuting, false},
		{"failed absorbs", models.MissionClarifying, models.MissionFailed, false},
		{"backward", models.MissionExecuting, models.MissionPlanning, true},
		{"out of failed", models.MissionFailed, models.MissionExecuting, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := models.MissionState{Status: tt.from}
			next, err := ApplyPatch(s, Patch{Status: StatusPtr(tt.to)})
			if tt.wantErr {
				require.Error(t, err)
				var inv *InvariantViolationError
				assert.ErrorAs(t, err, &inv)
				assert.Equal(t, tt.from, next.Status, "state must be unchanged on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, next.Status)
		})
	}
}

func TestApplyPatch_ZeroPatchIsNoop(t *testing.T) {
	s := models.MissionState{
		Status:           models.MissionExecuting,
		MissionID:        "wmnd-2026-0001",
		CompletedTaskIDs: []string{"TASK-001"},
	}
	next, err := ApplyPatch(s, Patch{})
	require.NoError(t, err)
	assert.Equal(t, s, next)
	assert.True(t, Patch{}.IsZero())
}
