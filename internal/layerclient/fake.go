package layerclient

import (
	"context"
	"errors"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

// ErrClosed is returned by Fake once Close has been called.
var ErrClosed = errors.New("layerclient: closed")

// Fake is an in-memory LayerClient for unit tests that want to drive
// a component expecting the LayerClient interface without a real
// socket. Sent messages are captured for assertions; queued messages
// are handed out in order by Recv.
type Fake struct {
	sent   chan protocol.ClientMessage
	toRecv chan protocol.DaemonMessage
	closed chan struct{}
}

// NewFake returns a ready-to-use Fake. Both channel directions are
// buffered generously so tests can Send/Queue without a concurrent
// reader, matching how the dispatcher tests drive fake collaborators.
func NewFake() *Fake {
	return &Fake{
		sent:   make(chan protocol.ClientMessage, 64),
		toRecv: make(chan protocol.DaemonMessage, 64),
		closed: make(chan struct{}),
	}
}

// Send records msg as having been emitted by the layer.
func (f *Fake) Send(ctx context.Context, msg protocol.ClientMessage) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	select {
	case f.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next queued DaemonMessage, blocking until one is
// available, ctx is cancelled, or Close is called.
func (f *Fake) Recv(ctx context.Context) (protocol.DaemonMessage, error) {
	select {
	case msg := <-f.toRecv:
		return msg, nil
	case <-f.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unblocks any pending Recv with ErrClosed and fails future Sends.
func (f *Fake) Close() error {
	select {
	case <-f.closed:
		return nil
	default:
		close(f.closed)
	}
	return nil
}

// Queue makes msg available to the next Recv call. It is how tests
// play the role of the agent pushing a DaemonMessage to the layer.
func (f *Fake) Queue(msg protocol.DaemonMessage) {
	f.toRecv <- msg
}

// SentMessages drains and returns every ClientMessage captured by
// Send so far, without blocking.
func (f *Fake) SentMessages() []protocol.ClientMessage {
	var out []protocol.ClientMessage
	for {
		select {
		case msg := <-f.sent:
			out = append(out, msg)
		default:
			return out
		}
	}
}
