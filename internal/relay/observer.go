package relay

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrObserverClosed = errors.New("observer closed")

// Conn is the outbound half of an observer connection. Implementations must
// serialize concurrent Send calls internally; the hub never interleaves its
// own writes with anyone else's on the same Conn.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Observer is a live push-channel connection. It starts open and transitions
// to closed exactly once, on transport failure or disconnect; there is no way
// back.
type Observer struct {
	label  string
	conn   Conn
	closed atomic.Bool
}

func NewObserver(conn Conn) *Observer {
	return &Observer{label: uuid.NewString()[:8], conn: conn}
}

// Label is a short random tag used in logs. It is not an identity: the
// registry keys observers by handle.
func (o *Observer) Label() string { return o.label }

func (o *Observer) Open() bool { return !o.closed.Load() }

func (o *Observer) Send(payload []byte) error {
	if o.closed.Load() {
		return ErrObserverClosed
	}
	return o.conn.Send(payload)
}

// MarkClosed moves the observer to the closed state and releases the
// underlying transport. Safe to call any number of times.
func (o *Observer) MarkClosed() {
	if o.closed.CompareAndSwap(false, true) {
		_ = o.conn.Close()
	}
}
