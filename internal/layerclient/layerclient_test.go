package layerclient

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/otterscale/netshift-agent/internal/protocol"
)

func TestConn_SendAndRecvRoundTrip(t *testing.T) {
	clientSide, agentSide := net.Pipe()
	defer clientSide.Close()
	defer agentSide.Close()

	client := New(clientSide, protocol.CurrentVersion)

	done := make(chan error, 1)
	go func() {
		done <- client.Send(context.Background(), protocol.Ping{})
	}()

	msg, err := protocol.DecodeClientMessage(bufio.NewReader(agentSide))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(protocol.Ping); !ok {
		t.Fatalf("got %T, want Ping", msg)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	go protocol.EncodeDaemonMessage(agentSide, protocol.Pong{}, protocol.CurrentVersion)

	recv, err := client.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, ok := recv.(protocol.Pong); !ok {
		t.Fatalf("got %T, want Pong", recv)
	}
}

func TestFake_SendCapturesMessages(t *testing.T) {
	f := NewFake()
	if err := f.Send(context.Background(), protocol.Ping{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := f.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}
	if _, ok := sent[0].(protocol.Ping); !ok {
		t.Fatalf("got %T, want Ping", sent[0])
	}
}

func TestFake_RecvReturnsQueuedMessage(t *testing.T) {
	f := NewFake()
	f.Queue(protocol.Pong{})

	msg, err := f.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, ok := msg.(protocol.Pong); !ok {
		t.Fatalf("got %T, want Pong", msg)
	}
}

func TestFake_CloseUnblocksRecv(t *testing.T) {
	f := NewFake()
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.Recv(context.Background()); err != ErrClosed {
		t.Fatalf("Recv after close = %v, want ErrClosed", err)
	}
	if err := f.Send(context.Background(), protocol.Ping{}); err != ErrClosed {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}
