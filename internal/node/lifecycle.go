package node

// Lifecycle is the registration state of a Node.
type Lifecycle int32

const (
	Unregistered Lifecycle = iota
	Registering
	Active
	Reconnecting
)

func (l Lifecycle) String() string {
	switch l {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
