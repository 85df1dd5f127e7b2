package tracking

// Mailbox is a single-slot, latest-wins hand-off between the receiver and
// the protocol client. Put overwrites any unconsumed frame so a slow
// consumer only ever observes the freshest sample, never a backlog.
// It is safe for one producer and one consumer.
type Mailbox struct {
	slot chan Frame
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{slot: make(chan Frame, 1)}
}

// Put stores f, displacing a previously stored frame if the consumer has
// not taken it yet. It never blocks.
func (m *Mailbox) Put(f Frame) {
	for {
		select {
		case m.slot <- f:
			return
		default:
		}
		select {
		case <-m.slot:
		default:
		}
	}
}

// TryTake removes and returns the stored frame, if any. It never blocks.
func (m *Mailbox) TryTake() (Frame, bool) {
	select {
	case f := <-m.slot:
		return f, true
	default:
		return Frame{}, false
	}
}
