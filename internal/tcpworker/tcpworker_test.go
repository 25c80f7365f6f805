package tcpworker_test

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/tcpworker"
)

func recvWithin(t *testing.T, sub interface {
	Recv(context.Context) (bus.Message, bool)
}, d time.Duration) bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, ok := sub.Recv(ctx)
	require.True(t, ok, "expected a message within %s", d)
	return msg
}

// echoServer accepts one connection and echoes every line it receives
// back verbatim, until the connection closes.
func echoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			_, _ = conn.Write(append(scanner.Bytes(), '\n'))
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestConnectSendReceive_RoundTripsThroughEchoServer(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	b := bus.NewWorkerBus()
	w := tcpworker.New(b)
	w.Start()
	defer w.Stop()

	connected := b.Subscribe(bus.TopicClientConnected)
	defer connected.Close()
	values := b.Subscribe(bus.TopicValueChanged)
	defer values.Close()

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b.Publish("worker.cmd."+tcpworker.Name, "chain", "c1", map[string]any{
		"command": "connect",
		"id":      "conn1",
		"host":    host,
		"port":    port,
	})

	msg := recvWithin(t, connected, 2*time.Second)
	require.Equal(t, "conn1", msg.SourceID)

	b.Publish("worker.cmd."+tcpworker.Name, "chain", "c1", map[string]any{
		"command": "send",
		"id":      "conn1",
		"message": "ping",
	})

	echoed := recvWithin(t, values, 2*time.Second)
	require.Equal(t, "message", echoed.Payload["key"])
	require.Equal(t, "ping", echoed.Payload["value"])
}

func TestConnect_UnreachableHostPublishesError(t *testing.T) {
	b := bus.NewWorkerBus()
	w := tcpworker.New(b)
	w.Start()
	defer w.Stop()

	errs := b.Subscribe(bus.TopicError)
	defer errs.Close()

	b.Publish("worker.cmd."+tcpworker.Name, "chain", "c1", map[string]any{
		"command": "connect",
		"id":      "conn1",
		"host":    "127.0.0.1",
		"port":    1, // nothing listens on a privileged port in test sandboxes
	})

	msg := recvWithin(t, errs, 3*time.Second)
	require.Equal(t, "connect", msg.Payload["action"])
}

func TestDisconnect_UnknownIDIsNoop(t *testing.T) {
	b := bus.NewWorkerBus()
	w := tcpworker.New(b)
	w.Start()
	defer w.Stop()

	sub := b.Subscribe(bus.TopicClientDisconnected)
	defer sub.Close()

	b.Publish("worker.cmd."+tcpworker.Name, "chain", "c1", map[string]any{
		"command": "disconnect",
		"id":      "never-connected",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, ok := sub.Recv(ctx)
	require.False(t, ok, "disconnecting an unknown id should not publish")
}

