package chat

// Phase is where a conversation's latest request stands.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSending     Phase = "sending"
	PhaseStreaming   Phase = "streaming"
	PhaseErrored     Phase = "errored"
	PhaseInterrupted Phase = "interrupted"
)

// Busy reports whether a request is in flight.
func (p Phase) Busy() bool {
	return p == PhaseSending || p == PhaseStreaming
}

func (p Phase) String() string {
	if p == "" {
		return string(PhaseIdle)
	}
	return string(p)
}
