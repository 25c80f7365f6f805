package chain

import (
	"context"
	"time"

	"github.com/zjrosen/stepcore/internal/bus"
)

// MinWaitPoll is the smallest timeout a blocking worker wait will
// actually honor; a timeout_s <= 0 is clamped up to it rather than
// treated as "wait forever".
const MinWaitPoll = 10 * time.Millisecond

// Workers issues fire-and-forget commands to named workers and waits
// synchronously for their VALUE_CHANGED replies, built on one shared
// primitive (waitForBusValue). Every blocking call here stalls the
// calling chain's tick; scripts are expected to use generous cycle
// times around them.
type Workers struct{ c *Context }

// SendCmd fires a worker command without waiting for a reply.
func (w Workers) SendCmd(workerName, command string, payload map[string]any) {
	c := w.c
	if c.deps.Bus == nil {
		return
	}
	body := map[string]any{"command": command}
	for k, v := range payload {
		body[k] = v
	}
	c.deps.Bus.Publish("worker.cmd."+workerName, "chain", c.ChainID, body)
}

// waitTimeoutResult is the structured value returned by waitForBusValue
// on timeout or worker error, distinguishable from a real payload value
// by its "error" key.
func waitTimeoutResult(kind, expectedKey string) map[string]any {
	return map[string]any{"error": kind, "expected_key": expectedKey}
}

// waitForBusValue blocks (clamped to at least MinWaitPoll) for a
// VALUE_CHANGED message from (source, source_id) whose payload key
// equals expectedKey, or for an ERROR from the same source/source_id.
// It suppresses this tick's slow-tick warning, since the block is
// expected. Returns the matched value, or a structured {"error": ...}
// map on timeout/worker-error.
func (w Workers) waitForBusValue(source, sourceID, expectedKey string, timeout time.Duration) any {
	c := w.c
	if timeout <= 0 {
		timeout = MinWaitPoll
	}
	if timeout < MinWaitPoll {
		timeout = MinWaitPoll
	}

	if c.deps.Bus == nil {
		return waitTimeoutResult("timeout", expectedKey)
	}

	c.SuppressSlowTickOnce()

	sub := c.deps.Bus.SubscribeMany([]string{bus.TopicValueChanged, bus.TopicError})
	defer sub.Close()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return waitTimeoutResult("timeout", expectedKey)
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		msg, ok := sub.Recv(ctx)
		cancel()
		if !ok {
			return waitTimeoutResult("timeout", expectedKey)
		}

		if msg.Source != source || msg.SourceID != sourceID {
			continue
		}
		switch msg.Topic {
		case bus.TopicValueChanged:
			if key, _ := msg.Payload["key"].(string); key == expectedKey {
				return msg.Payload["value"]
			}
		case bus.TopicError:
			return waitTimeoutResult("worker_error", expectedKey)
		}
	}
}

// --- TCP client worker helpers ---

// TcpConnect asks the tcp_client worker with id to open its connection.
func (w Workers) TcpConnect(id, host string, port int) {
	w.SendCmd("tcp_client", "connect", map[string]any{"id": id, "host": host, "port": port})
}

// TcpDisconnect asks the tcp_client worker with id to close its connection.
func (w Workers) TcpDisconnect(id string) {
	w.SendCmd("tcp_client", "disconnect", map[string]any{"id": id})
}

// TcpSend fires a message at the named tcp_client connection.
func (w Workers) TcpSend(id, message string) {
	w.SendCmd("tcp_client", "send", map[string]any{"id": id, "message": message})
}

// TcpMessage returns the most recently received message for connection
// id, or def if none has arrived.
func (w Workers) TcpMessage(id string, def any) any {
	return w.c.Values().Get("tcp_client", id, "message", def)
}

// --- PLC worker helpers ---

func plcKey(tag string) string { return "plc." + tag }

// PlcWrite asks the plc worker for client to write value to tag.
func (w Workers) PlcWrite(client, tag string, value any) {
	w.SendCmd("plc", "write", map[string]any{"client": client, "tag": tag, "value": value})
}

// PlcValue returns the last mirrored value for (client, tag), or def.
func (w Workers) PlcValue(client, tag string, def any) any {
	return w.c.Values().Get("plc", client, plcKey(tag), def)
}

// PlcWaitValue blocks until (client, tag) reports a new value, up to
// timeout, returning def on timeout or worker error.
func (w Workers) PlcWaitValue(client, tag string, timeout time.Duration, def any) any {
	result := w.waitForBusValue("plc", client, plcKey(tag), timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

// --- OPC UA worker helpers ---

func opcuaKey(nodeID string) string { return "opcua." + nodeID }

// OpcuaWrite asks the opcua worker for client to write value to nodeID.
func (w Workers) OpcuaWrite(client, nodeID string, value any) {
	w.SendCmd("opcua", "write", map[string]any{"client": client, "node_id": nodeID, "value": value})
}

// OpcuaRead asks the opcua worker for client to refresh nodeID.
func (w Workers) OpcuaRead(client, nodeID string) {
	w.SendCmd("opcua", "read", map[string]any{"client": client, "node_id": nodeID})
}

// OpcuaValue returns the last mirrored value for (client, nodeID), or def.
func (w Workers) OpcuaValue(client, nodeID string, def any) any {
	return w.c.Values().Get("opcua", client, opcuaKey(nodeID), def)
}

// OpcuaWaitValue blocks until (client, nodeID) reports a new value, up
// to timeout, returning def on timeout or worker error.
func (w Workers) OpcuaWaitValue(client, nodeID string, timeout time.Duration, def any) any {
	result := w.waitForBusValue("opcua", client, opcuaKey(nodeID), timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

// --- REST worker helpers ---

// RestRequest fires an arbitrary HTTP request through the rest worker
// and blocks for its result under requestKey, up to timeout.
func (w Workers) RestRequest(endpoint, method string, body map[string]any, requestKey string, timeout time.Duration, def any) any {
	w.SendCmd("rest", "request", map[string]any{
		"endpoint":    endpoint,
		"method":      method,
		"body":        body,
		"request_key": requestKey,
	})
	result := w.waitForBusValue("rest", endpoint, "rest."+requestKey, timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

// RestGet issues a GET and blocks for the result.
func (w Workers) RestGet(endpoint, requestKey string, timeout time.Duration, def any) any {
	return w.RestRequest(endpoint, "GET", nil, requestKey, timeout, def)
}

// RestPostJSON issues a POST with a JSON body and blocks for the result.
func (w Workers) RestPostJSON(endpoint string, body map[string]any, requestKey string, timeout time.Duration, def any) any {
	return w.RestRequest(endpoint, "POST", body, requestKey, timeout, def)
}

// --- iTAC MES worker helpers ---

// ItacLoginUser asks the itac worker to authenticate a session.
func (w Workers) ItacLoginUser(client, user, password string) {
	w.SendCmd("itac", "login_user", map[string]any{"client": client, "user": user, "password": password})
}

// ItacStationSetting blocks for an iTAC station setting value, up to timeout.
func (w Workers) ItacStationSetting(client, settingName string, timeout time.Duration, def any) any {
	w.SendCmd("itac", "get_station_setting", map[string]any{"client": client, "setting": settingName})
	result := w.waitForBusValue("itac", client, "itac.setting."+settingName, timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

// ItacCustomFunction calls a named iTAC custom function and blocks for
// its result, up to timeout.
func (w Workers) ItacCustomFunction(client, function string, args map[string]any, timeout time.Duration, def any) any {
	w.SendCmd("itac", "custom_function", map[string]any{"client": client, "function": function, "args": args})
	result := w.waitForBusValue("itac", client, "itac.result."+function, timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

// ItacRawCall issues an arbitrary named iTAC call and blocks for the
// reply under replyKey, up to timeout.
func (w Workers) ItacRawCall(client, call, replyKey string, args map[string]any, timeout time.Duration, def any) any {
	w.SendCmd("itac", "raw_call", map[string]any{"client": client, "call": call, "args": args})
	result := w.waitForBusValue("itac", client, "itac."+replyKey, timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

// ItacExpectOk blocks for an iTAC result keyed resultKey and reports
// whether its mirrored value equals "OK" within timeout.
func (w Workers) ItacExpectOk(client, resultKey string, timeout time.Duration) bool {
	result := w.waitForBusValue("itac", client, "itac.result."+resultKey, timeout)
	if isWaitError(result) {
		return false
	}
	s, ok := result.(string)
	return ok && s == "OK"
}

// --- Serial / general COM port helper ---

// ComWait blocks for the next value reported by the com worker's
// device on key, up to timeout, returning def on timeout/worker error.
func (w Workers) ComWait(device, key string, timeout time.Duration, def any) any {
	result := w.waitForBusValue("com", device, key, timeout)
	if isWaitError(result) {
		return def
	}
	return result
}

func isWaitError(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, hasError := m["error"]
	return hasError
}
