package entities

// Role is the part a member plays in a session.
type Role string

const (
	RoleDJ       Role = "dj"
	RoleListener Role = "listener"
	RoleNone     Role = "none"
)

// Origin tags who initiated a call into the playback device, so that the
// device's echo of a programmatic call can be told apart from a genuine event.
type Origin int

const (
	// OriginDevice marks events the device raised on its own (buffering,
	// native controls) or events from devices that cannot echo an origin.
	OriginDevice Origin = iota
	// OriginLocal marks authority-driven calls (DJ commands, track loads).
	OriginLocal
	// OriginSync marks drift corrections issued by the reconciler.
	OriginSync
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginSync:
		return "sync"
	default:
		return "device"
	}
}

// Programmatic reports whether the origin is one of ours.
func (o Origin) Programmatic() bool {
	return o == OriginLocal || o == OriginSync
}
