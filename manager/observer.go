package manager

// CallObservation captures one completed tool invocation through the
// manager, successful or not.
type CallObservation struct {
	Tool       string
	Method     string
	Success    bool
	ErrorCode  string
	DurationMS int64
}

// RestartObservation captures one restart attempt of the server process.
type RestartObservation struct {
	Attempt   int
	Success   bool
	ErrorCode string
}

// HealthObservation captures one scheduled health probe.
type HealthObservation struct {
	State      State
	ErrorCode  string
	DurationMS int64
}

// Observer receives manager lifecycle signals. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveCall(observation CallObservation)
	ObserveRestart(observation RestartObservation)
	ObserveHealth(observation HealthObservation)
}

type nopObserver struct{}

func (nopObserver) ObserveCall(CallObservation)       {}
func (nopObserver) ObserveRestart(RestartObservation) {}
func (nopObserver) ObserveHealth(HealthObservation)   {}
