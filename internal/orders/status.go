package orders

type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusInitiated Status = "INITIATED"
	StatusCreated   Status = "CREATED"
	StatusCapturing Status = "CAPTURING"
	StatusCaptured  Status = "CAPTURED"
	StatusFailed    Status = "FAILED"
)

var validNext = map[Status]map[Status]bool{
	StatusInitiated: {StatusCreated: true, StatusFailed: true},
	StatusCreated:   {StatusCapturing: true, StatusFailed: true},
	// CAPTURING -> CREATED is the revert when the processor could not be reached.
	StatusCapturing: {StatusCaptured: true, StatusCreated: true, StatusFailed: true},
	StatusConfirmed: {},
	StatusCaptured:  {},
	StatusFailed:    {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}
