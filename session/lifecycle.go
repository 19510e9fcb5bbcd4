package session

// LifecycleState is a device foreground/background transition, delivered by
// the host platform with no payload beyond the new state.
type LifecycleState int

const (
	LifecycleForeground LifecycleState = iota
	LifecycleBackground
)

func (s LifecycleState) String() string {
	if s == LifecycleBackground {
		return "background"
	}
	return "foreground"
}

// LifecycleObserver is the entry point the host platform reports device
// lifecycle transitions through. It only forwards; all timeout policy lives in
// the coordinator.
type LifecycleObserver struct {
	report func(LifecycleState)
}

func NewLifecycleObserver(report func(LifecycleState)) *LifecycleObserver {
	return &LifecycleObserver{report: report}
}

func (o *LifecycleObserver) Report(s LifecycleState) {
	o.report(s)
}
