package api

type IdemStatus string

type NextAction string

const (
	IdemApproved IdemStatus = "approved"
	IdemRejected IdemStatus = "rejected"
	IdemErrored  IdemStatus = "errored"
)

const (
	ActionReturnCached NextAction = "return_cached"
	ActionEvaluate     NextAction = "evaluate"
)

// DetermineNextAction maps a prior idempotency record, if any, to the next
// step of an authorize call. Errored attempts are evaluated again.
func DetermineNextAction(rec *IdemRecord) NextAction {
	if rec == nil {
		return ActionEvaluate
	}
	switch rec.Status {
	case IdemApproved, IdemRejected:
		return ActionReturnCached
	default:
		return ActionEvaluate
	}
}

// StatusFromDecision is the idempotency status recorded for a decision.
func StatusFromDecision(approved bool) IdemStatus {
	if approved {
		return IdemApproved
	}
	return IdemRejected
}
