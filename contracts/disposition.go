package contracts

// Disposition is the terminal outcome the broker reports for a sent delivery.
type Disposition int

const (
	// DispositionAccepted indicates the broker took responsibility for the message.
	DispositionAccepted Disposition = iota
	// DispositionRejected indicates the broker refused the message as invalid.
	DispositionRejected
	// DispositionReleased indicates the broker gave the message back without consuming it.
	DispositionReleased
	// DispositionModified indicates the broker gave the message back and annotated it as failed.
	DispositionModified
)

func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "accepted"
	case DispositionRejected:
		return "rejected"
	case DispositionReleased:
		return "released"
	case DispositionModified:
		return "modified"
	default:
		return "unknown"
	}
}

// ReceiveMode controls how inbound deliveries are settled.
type ReceiveMode int

const (
	// PeekLock delivers messages under a lock; the receiver must settle each
	// message explicitly (or let auto-completion do it) or the broker will
	// eventually redeliver it.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete settles messages at the broker as soon as they are sent
	// to the receiver. Messages arrive pre-settled and cannot be abandoned.
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	switch m {
	case PeekLock:
		return "peekLock"
	case ReceiveAndDelete:
		return "receiveAndDelete"
	default:
		return "unknown"
	}
}
