package cluster

import "github.com/fidde/exception_clusterer/pkg/models"

// Action is an operator-initiated lifecycle action on a cluster.
type Action string

const (
	ActionSkip       Action = "skip"
	ActionResolve    Action = "resolve"
	ActionReactivate Action = "reactivate"
)

// transitions maps each action to its target status and the statuses it
// is allowed from. A matching event arriving while a cluster is skipped
// or resolved still increments counters but never moves the status:
// only these explicit actions do.
var transitions = map[Action]struct {
	target      models.ClusterStatus
	allowedFrom []models.ClusterStatus
}{
	ActionSkip:       {models.StatusSkipped, []models.ClusterStatus{models.StatusActive}},
	ActionResolve:    {models.StatusResolved, []models.ClusterStatus{models.StatusActive}},
	ActionReactivate: {models.StatusActive, []models.ClusterStatus{models.StatusSkipped, models.StatusResolved}},
}

// Resolve returns the target status and allowed source statuses for an
// action, or ErrInvalidInput for an unknown action.
func Resolve(action Action) (models.ClusterStatus, []models.ClusterStatus, error) {
	t, ok := transitions[action]
	if !ok {
		return "", nil, models.ErrInvalidInput
	}
	return t.target, t.allowedFrom, nil
}

// CanTransition reports whether the action is legal from the given status.
func CanTransition(from models.ClusterStatus, action Action) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range t.allowedFrom {
		if s == from {
			return true
		}
	}
	return false
}
