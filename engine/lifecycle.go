package engine

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// trigger names a run lifecycle event.
type trigger string

const (
	triggerStart    trigger = "start"    // pending -> running
	triggerClaim    trigger = "claim"    // running|waiting -> running, an advance took the run
	triggerContinue trigger = "continue" // running -> running, step done with more to go
	triggerWait     trigger = "wait"     // running -> waiting, delay or retry scheduled
	triggerComplete trigger = "complete" // running -> completed
	triggerFail     trigger = "fail"     // running|waiting -> failed
	triggerCancel   trigger = "cancel"   // any non-terminal -> cancelled
)

func configureLifecycle(sm *stateless.StateMachine) {
	sm.Configure(types.RunStatusPending).
		Permit(triggerStart, types.RunStatusRunning).
		Permit(triggerCancel, types.RunStatusCancelled)

	sm.Configure(types.RunStatusRunning).
		PermitReentry(triggerClaim).
		PermitReentry(triggerContinue).
		Permit(triggerWait, types.RunStatusWaiting).
		Permit(triggerComplete, types.RunStatusCompleted).
		Permit(triggerFail, types.RunStatusFailed).
		Permit(triggerCancel, types.RunStatusCancelled)

	sm.Configure(types.RunStatusWaiting).
		Permit(triggerClaim, types.RunStatusRunning).
		Permit(triggerFail, types.RunStatusFailed).
		Permit(triggerCancel, types.RunStatusCancelled)

	// Terminal states accept nothing.
	sm.Configure(types.RunStatusCompleted)
	sm.Configure(types.RunStatusFailed)
	sm.Configure(types.RunStatusCancelled)
}

// transition returns the status reached by firing t from from, or an error
// when the lifecycle does not permit it.
func transition(ctx context.Context, from types.RunStatus, t trigger) (types.RunStatus, error) {
	status := from
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return status, nil },
		func(_ context.Context, s stateless.State) error {
			status = s.(types.RunStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureLifecycle(sm)

	if err := sm.FireCtx(ctx, t); err != nil {
		return from, fmt.Errorf("%s not permitted from %s", t, from)
	}
	return status, nil
}
