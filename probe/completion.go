package probe

// ReturnInvocation carries the outcome of a hooked connect
// call observed at its return point.
type ReturnInvocation struct {
	CPU    int
	PID    uint32
	Retval int64
}

// Completion is the return hook of the connect function,
// which would classify the outcome of an attempt.
//
// The return point has no convenient access to the address
// of the attempt without tracking state per call, so the
// outcome is correlated out of band (e.g. against the
// authentication logs) instead.
type Completion interface {
	OnReturn(inv ReturnInvocation)
}

// NopCompletion is the shipped Completion, it never
// classifies and never touches the failures store.
type NopCompletion struct{}

// OnReturn implements Completion.
func (NopCompletion) OnReturn(ReturnInvocation) {}
