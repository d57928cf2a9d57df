package coordinator

import "github.com/traceline/bomflow/internal/model"

// Decision classifies what a signal does to a job in its current status.
type Decision int

const (
	// DecisionApplied means the signal causes a status change.
	DecisionApplied Decision = iota
	// DecisionNoOp means the signal is already satisfied: nothing changes
	// and no event is journaled.
	DecisionNoOp
	// DecisionNotApplicable means the signal is invalid for the status.
	DecisionNotApplicable
)

func (d Decision) String() string {
	switch d {
	case DecisionApplied:
		return "applied"
	case DecisionNoOp:
		return "no-op"
	case DecisionNotApplicable:
		return "not-applicable"
	default:
		return "unknown"
	}
}

// apply computes the status a signal leads to. It is pure: no clock reads,
// no store access, no event emission. All side effects happen in the
// coordinator around this function.
func apply(status model.JobStatus, sig model.Signal) (model.JobStatus, Decision) {
	switch sig {
	case model.SignalStart:
		switch status {
		case model.JobStatusPending:
			return model.JobStatusRunning, DecisionApplied
		case model.JobStatusRunning:
			return status, DecisionNoOp
		default:
			return status, DecisionNotApplicable
		}

	case model.SignalPause:
		if status == model.JobStatusRunning {
			return model.JobStatusPaused, DecisionApplied
		}
		// Pause never errors: anything not running keeps its state.
		return status, DecisionNoOp

	case model.SignalResume:
		switch status {
		case model.JobStatusPaused:
			return model.JobStatusRunning, DecisionApplied
		case model.JobStatusRunning:
			return status, DecisionNoOp
		default:
			return status, DecisionNotApplicable
		}

	case model.SignalCancel:
		switch status {
		case model.JobStatusPending, model.JobStatusRunning, model.JobStatusPaused:
			return model.JobStatusCancelled, DecisionApplied
		case model.JobStatusCancelled:
			return status, DecisionNoOp
		default:
			return status, DecisionNotApplicable
		}

	case model.SignalRestart:
		switch status {
		case model.JobStatusFailed, model.JobStatusCancelled:
			return model.JobStatusPending, DecisionApplied
		case model.JobStatusPending:
			return status, DecisionNoOp
		default:
			return status, DecisionNotApplicable
		}

	default:
		return status, DecisionNotApplicable
	}
}
