// Package messenger implements the controller-side transport: for each
// worker, it maintains one logical connection over which many requests may
// be in flight concurrently, keyed by request id, with transparent
// reconnect gated by a circuit breaker.
package messenger

import (
	"sync"

	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// Messenger multiplexes requests to every known worker.
type Messenger struct {
	mu         sync.Mutex
	connectors map[string]*connector

	// addrOf resolves a worker name to its dial address; supplied by the
	// caller (normally backed by Configuration) so the Messenger itself
	// carries no topology knowledge.
	addrOf func(workerName string) (string, error)
}

// New creates a Messenger. addrOf must return the worker's service address.
func New(addrOf func(workerName string) (string, error)) *Messenger {
	return &Messenger{
		connectors: make(map[string]*connector),
		addrOf:     addrOf,
	}
}

func (m *Messenger) connectorFor(workerName string) (*connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connectors[workerName]; ok {
		return c, nil
	}
	addr, err := m.addrOf(workerName)
	if err != nil {
		return nil, err
	}
	c := newConnector(workerName, addr)
	m.connectors[workerName] = c
	return c, nil
}

// Send submits requestID of reqType with payload to workerName. onFinish
// runs exactly once, on a Messenger-owned goroutine.
func (m *Messenger) Send(workerName, requestID string, reqType wire.RequestType, payload []byte, onFinish OnFinish) error {
	c, err := m.connectorFor(workerName)
	if err != nil {
		return err
	}
	c.send(sendJob{id: requestID, reqType: reqType, payload: payload, onFinish: onFinish})
	return nil
}

// Cancel is best-effort: if requestID's response has not been dispatched
// yet, onFinish is invoked with success=false; otherwise this is a no-op.
func (m *Messenger) Cancel(workerName, requestID string) {
	m.mu.Lock()
	c, ok := m.connectors[workerName]
	m.mu.Unlock()
	if ok {
		c.cancel(requestID)
	}
}

// Stop cancels every outstanding send across every worker.
func (m *Messenger) Stop() {
	m.mu.Lock()
	connectors := make([]*connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		connectors = append(connectors, c)
	}
	m.connectors = make(map[string]*connector)
	m.mu.Unlock()

	for _, c := range connectors {
		c.stop()
	}
}
