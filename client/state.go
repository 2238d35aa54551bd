package client

// State is the client's readiness.
//
//	Uninitialized → Probing → Initializing → Ready
//	                   │            │
//	                   └──→ Failed ←┘   (not sticky: the next call starts over)
type State int

const (
	Uninitialized State = iota
	Probing
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Probing:
		return "probing"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
