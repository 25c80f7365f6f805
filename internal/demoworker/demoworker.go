// Package demoworker implements a loopback worker that exercises the
// full worker-command/bus-reply contract without any real
// hardware: it accepts "echo" and "set" commands over
// "worker.cmd.demo" and mirrors them straight back as VALUE_CHANGED,
// the same shape every real worker (tcp_client, plc, opcua, rest, itac,
// com) is expected to produce. Scripts can point any Workers helper at
// it during development or in tests without a live device.
package demoworker

import (
	"time"

	"github.com/zjrosen/stepcore/internal/bus"
	"github.com/zjrosen/stepcore/internal/log"
)

// Name is the worker name scripts address via workers_api commands
// (command topic "worker.cmd.demo").
const Name = "demo"

// Worker is the loopback demo worker. Zero value is not usable; build
// one with New.
type Worker struct {
	bus *bus.WorkerBus

	sub  *bus.Subscription
	stop chan struct{}
	done chan struct{}
}

// New creates a demo worker bound to b. Call Start to begin consuming
// commands.
func New(b *bus.WorkerBus) *Worker {
	return &Worker{
		bus:  b,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start subscribes to this worker's command topic and begins the
// command loop in a background goroutine.
func (w *Worker) Start() {
	w.sub = w.bus.Subscribe("worker.cmd." + Name)
	go w.run()
}

// Stop signals the command loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
	if w.sub != nil {
		_ = w.sub.Close()
	}
}

func (w *Worker) run() {
	defer close(w.done)

	log.Info(log.CatWorker, "demo worker started")
	defer log.Info(log.CatWorker, "demo worker stopped")

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
		id = "default"
	}

	switch command {
	case "connect":
		w.bus.Publish(bus.TopicClientConnected, Name, id, nil)

	case "disconnect":
		w.bus.Publish(bus.TopicClientDisconnected, Name, id, map[string]any{"reason": "cmd"})

	case "echo":
		w.bus.Publish(bus.TopicValueChanged, Name, id, map[string]any{
			"key":   "message",
			"value": msg.Payload["value"],
		})

	case "set":
		key, _ := msg.Payload["key"].(string)
		if key == "" {
			return
		}
		w.bus.Publish(bus.TopicValueChanged, Name, id, map[string]any{
			"key":   key,
			"value": msg.Payload["value"],
		})

	case "fail":
		reason, _ := msg.Payload["reason"].(string)
		if reason == "" {
			reason = "demo failure"
		}
		w.bus.Publish(bus.TopicError, Name, id, map[string]any{
			"action": command,
			"error":  reason,
		})

	default:
		log.Warn(log.CatWorker, "demo worker received unknown command", "command", command)
	}
}
