package dispatch

// Dispatch outcome labels.
const (
	OutcomeOK             = "ok"
	OutcomeBadClass       = "bad_class"
	OutcomeUnknownCommand = "unknown_command"
	OutcomeFault          = "fault"
)

// Observer receives dispatch events. Implementations must be cheap; they run
// on the dispatch goroutine.
type Observer interface {
	Dispatched(ins byte, outcome string)
	Faulted(ins byte, code uint16)
	StateCleared(reason string)
	CanaryTripped()
}

type nopObserver struct{}

func (nopObserver) Dispatched(byte, string) {}
func (nopObserver) Faulted(byte, uint16)    {}
func (nopObserver) StateCleared(string)     {}
func (nopObserver) CanaryTripped()          {}
