package cmd

import (
	"errors"

	"github.com/worldmind/worldmind/internal/gate"
	"github.com/worldmind/worldmind/internal/mission"
)

// Process exit codes. Scripts driving worldmind branch on these.
const (
	ExitOK         = 0
	ExitUsage      = 1
	ExitPlanning   = 2
	ExitDispatch   = 3
	ExitEscalation = 4
	ExitDeployment = 5
	ExitInternal   = 70
)

// ExitCodeFor maps a mission error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var planErr *mission.PlanningError
	if errors.As(err, &planErr) {
		return ExitPlanning
	}
	var deployErr *mission.DeployError
	if errors.As(err, &deployErr) {
		return ExitDeployment
	}
	var dispatchErr *mission.DispatchError
	if errors.As(err, &dispatchErr) {
		return ExitDispatch
	}
	var escalation *gate.Escalation
	if errors.As(err, &escalation) {
		return ExitEscalation
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	return ExitInternal
}

// usageError marks bad invocations so they exit 1 rather than 70.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
