package types

// Message is a control message carried in the body of a channel or relay
// cell.
type Message interface {
	// Name returns the wire name of the message, used in logs.
	Name() string
	String() string
}
