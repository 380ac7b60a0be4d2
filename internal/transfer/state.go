package transfer

// State is a step of a transfer run.
type State int

const (
	StateIdle State = iota
	StateExtracting
	StateLoading
	StatePreOp
	StateCopy
	StatePostOp
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateExtracting: "extracting",
	StateLoading:    "loading",
	StatePreOp:      "pre_operator",
	StateCopy:       "copy",
	StatePostOp:     "post_operator",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
