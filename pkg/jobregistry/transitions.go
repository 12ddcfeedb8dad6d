package jobregistry

// transitions is the job lifecycle:
//
//	drafted --submit--> queued
//	queued  --run ok--> completed
//	queued  --run failed or cancelled--> failed
//	failed  --retry--> queued
//
// completed is terminal.
var transitions = map[Status][]Status{
	StatusDrafted: {StatusQueued},
	StatusQueued:  {StatusCompleted, StatusFailed},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
