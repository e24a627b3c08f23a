package network

// Message is the transport envelope carried between relay nodes.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication between
// relay nodes. Implementations must not let a slow subscriber block
// publishers.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}
