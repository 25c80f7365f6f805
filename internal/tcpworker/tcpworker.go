// Package tcpworker implements the tcp_client worker: a TCP client pool
// driven entirely over the worker-command bus. Each connection id gets
// its own net.Conn and a dedicated reader goroutine publishing
// VALUE_CHANGED line-by-line.
package tcpworker

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/log"
)

// Name is the worker name scripts address via workers_api's Tcp*
// helpers (command topic "worker.cmd.tcp_client").
const Name = "tcp_client"

// dialTimeout bounds how long Connect waits for the TCP handshake.
const dialTimeout = 5 * time.Second

// Worker is the tcp_client worker: a pool of named TCP connections,
// each readable/writable by id through the command bus.
type Worker struct {
	wbus *bus.WorkerBus

	sub  *bus.Subscription
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	clients map[string]*clientConn
}

type clientConn struct {
	conn net.Conn
}

// New creates a tcp_client worker bound to b. Call Start to begin
// consuming connect/disconnect/send commands.
func New(b *bus.WorkerBus) *Worker {
	return &Worker{
		wbus:    b,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		clients: make(map[string]*clientConn),
	}
}

// Start subscribes to this worker's command topic and begins the
// command loop in a background goroutine.
func (w *Worker) Start() {
	w.sub = w.wbus.Subscribe("worker.cmd." + Name)
	go w.run()
}

// Stop closes every open connection and the command loop, waiting for
// both to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done

	w.mu.Lock()
	for id, c := range w.clients {
		_ = c.conn.Close()
		delete(w.clients, id)
	}
	w.mu.Unlock()

	if w.sub != nil {
		_ = w.sub.Close()
	}
}

func (w *Worker) run() {
	defer close(w.done)

	log.Info(log.CatWorker, "tcp_client worker started")
	defer log.Info(log.CatWorker, "tcp_client worker stopped")

	for {
		select {
		case <-w.stop:
			return
		case <-time.After(10 * time.Millisecond):
		}

		for {
			msg, ok := w.sub.TryRecv()
			if !ok {
				break
			}
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg bus.Message) {
	command, _ := msg.Payload["command"].(string)
	id, _ := msg.Payload["id"].(string)
	if id == "" {
		return
	}

	switch command {
	case "connect":
		host, _ := msg.Payload["host"].(string)
		port := intPayload(msg.Payload["port"])
		w.connect(id, host, port)

	case "disconnect":
		w.disconnect(id, "cmd")

	case "send":
		message, _ := msg.Payload["message"].(string)
		w.send(id, message)

	default:
		log.Warn(log.CatWorker, "tcp_client worker received unknown command", "command", command)
	}
}

func intPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (w *Worker) connect(id, host string, port int) {
	w.mu.Lock()
	if _, exists := w.clients[id]; exists {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		w.wbus.Publish(bus.TopicError, Name, id, map[string]any{"action": "connect", "error": err.Error()})
		return
	}

	w.mu.Lock()
	w.clients[id] = &clientConn{conn: conn}
	w.mu.Unlock()

	w.wbus.Publish(bus.TopicClientConnected, Name, id, nil)

	go w.readLoop(id, conn)
}

// readLoop publishes each newline-delimited message received on conn as
// VALUE_CHANGED until the connection closes or errors, then publishes
// CLIENT_DISCONNECTED and removes the client so a later reconnect can
// reuse id.
func (w *Worker) readLoop(id string, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	reason := "remote_closed"
	for scanner.Scan() {
		w.wbus.Publish(bus.TopicValueChanged, Name, id, map[string]any{
			"key":   "message",
			"value": scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		reason = "rx_error"
	}

	w.disconnect(id, reason)
}

func (w *Worker) disconnect(id, reason string) {
	w.mu.Lock()
	c, ok := w.clients[id]
	if ok {
		delete(w.clients, id)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	_ = c.conn.Close()
	w.wbus.Publish(bus.TopicClientDisconnected, Name, id, map[string]any{"reason": reason})
}

func (w *Worker) send(id, message string) {
	w.mu.Lock()
	c, ok := w.clients[id]
	w.mu.Unlock()

	if !ok {
		w.wbus.Publish(bus.TopicWriteError, Name, id, map[string]any{"action": "send", "error": "not connected"})
		return
	}

	if _, err := c.conn.Write([]byte(message + "\n")); err != nil {
		w.wbus.Publish(bus.TopicWriteError, Name, id, map[string]any{"action": "send", "error": err.Error()})
		return
	}
	w.wbus.Publish(bus.TopicWriteFinished, Name, id, map[string]any{"key": "send"})
}

