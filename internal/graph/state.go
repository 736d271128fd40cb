package graph

// State is the run-state of one task within one process instance.
type State int

const (
	Waiting State = iota
	Ready
	Running
	Succeeded
	Failed
	Terminated
	Skipped
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Terminated:
		return "Terminated"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, Terminated, Skipped:
		return true
	default:
		return false
	}
}

// allowed lists the legal transitions. A Ready task whose guard is false is
// Skipped; one whose guard errors is Failed.
func allowed(from, to State) bool {
	switch from {
	case Waiting:
		return to == Ready || to == Skipped || to == Terminated
	case Ready:
		return to == Running || to == Skipped || to == Failed || to == Terminated
	case Running:
		return to == Succeeded || to == Failed || to == Terminated
	default:
		return false
	}
}
