package migrator

// State is the lifecycle stage of a Migrator.
type State int

const (
	Idle State = iota
	Loading
	Running
	Draining
	Completed
	Reporting
	Terminal
)

var stateNames = [...]string{"idle", "loading", "running", "draining", "completed", "reporting", "terminal"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
