package internal

// AudioRoute is where a participant's audio is played out on their device.
type AudioRoute string

const (
	RouteSpeaker  AudioRoute = "speaker"
	RouteEarpiece AudioRoute = "earpiece"
)

// Valid reports whether r is one of the known routes.
func (r AudioRoute) Valid() bool {
	return r == RouteSpeaker || r == RouteEarpiece
}
