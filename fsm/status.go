package fsm

// ExecStatus is the coarse execution classification of a block state.
type ExecStatus string

const (
	StatusReady    ExecStatus = "ready"
	StatusWorking  ExecStatus = "working"
	StatusDone     ExecStatus = "done"
	StatusError    ExecStatus = "error"
	StatusNotReady ExecStatus = "not_ready"
)

// StatusMap assigns block states to execution statuses. States listed in no
// set classify as not_ready.
type StatusMap struct {
	Ready   []string `json:"ready" yaml:"ready"`
	Working []string `json:"working" yaml:"working"`
	Done    []string `json:"done" yaml:"done"`
	Error   []string `json:"error" yaml:"error"`
}

// Classify maps state to its execution status.
func (m StatusMap) Classify(state string) ExecStatus {
	switch {
	case contains(m.Ready, state):
		return StatusReady
	case contains(m.Working, state):
		return StatusWorking
	case contains(m.Done, state):
		return StatusDone
	case contains(m.Error, state):
		return StatusError
	default:
		return StatusNotReady
	}
}

// Settled reports whether state is done, errored or ready.
func (m StatusMap) Settled(state string) bool {
	switch m.Classify(state) {
	case StatusDone, StatusError, StatusReady:
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
