package exec

import "rebalancer/internal/domain"

// stageTransitions is the cycle state machine:
// PENDING → SELLING → BUYING → RECONCILING → COMPLETE, with FAILED reachable
// from every non-terminal stage and BUYING skippable when an abort or a
// fatal sell failure forces the cycle straight to reconciliation.
var stageTransitions = map[domain.CycleStage][]domain.CycleStage{
	domain.StagePending:     {domain.StageSelling, domain.StageFailed},
	domain.StageSelling:     {domain.StageBuying, domain.StageReconciling, domain.StageFailed},
	domain.StageBuying:      {domain.StageReconciling, domain.StageFailed},
	domain.StageReconciling: {domain.StageComplete, domain.StageFailed},
}

// canTransition reports whether the state machine permits moving from one
// stage to another.
func canTransition(from, to domain.CycleStage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
