package messenger

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/metrics"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// OnFinish is invoked exactly once per Send: with success=true and a
// parsed response, or success=false on any transport/decoding failure.
type OnFinish func(requestID string, success bool, resp *wire.Response)

type sendJob struct {
	id       string
	reqType  wire.RequestType
	payload  []byte
	onFinish OnFinish
}

// connector owns the single logical connection to one worker. Sends are
// serialized through a single writer goroutine; a separate reader goroutine
// dispatches responses back to the caller that submitted the matching id.
// Reconnection is gated by a circuit breaker so a persistently unreachable
// worker fails fast instead of retrying every send.
type connector struct {
	workerName  string
	addr        string
	dialTimeout time.Duration

	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]OnFinish

	jobs chan sendJob
	done chan struct{}
}

func newConnector(workerName, addr string) *connector {
	c := &connector{
		workerName:  workerName,
		addr:        addr,
		dialTimeout: 5 * time.Second,
		pending:     make(map[string]OnFinish),
		jobs:        make(chan sendJob, 256),
		done:        make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "messenger/" + workerName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithWorker(workerName).Info().
				Str("from", from.String()).Str("to", to.String()).
				Msg("messenger: connector circuit state changed")
			if to == gobreaker.StateOpen {
				metrics.MessengerCircuitOpenTotal.WithLabelValues(workerName).Inc()
			}
		},
	})
	go c.run()
	return c
}

func (c *connector) run() {
	for {
		select {
		case <-c.done:
			c.failAllPending()
			return
		case job := <-c.jobs:
			c.handle(job)
		}
	}
}

func (c *connector) handle(job sendJob) {
	conn, err := c.ensureConnected()
	if err != nil {
		job.onFinish(job.id, false, nil)
		return
	}

	env := wire.Envelope{ID: job.id, Type: job.reqType, Payload: job.payload}

	c.mu.Lock()
	c.pending[job.id] = job.onFinish
	c.mu.Unlock()

	if err := writeFrame(conn, env); err != nil {
		c.mu.Lock()
		delete(c.pending, job.id)
		c.mu.Unlock()
		c.dropConn(conn)
		job.onFinish(job.id, false, nil)
	}
}

func (c *connector) ensureConnected() (net.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	result, err := c.breaker.Execute(func() (any, error) {
		d := net.Dialer{Timeout: c.dialTimeout}
		return d.Dial("tcp", c.addr)
	})
	if err != nil {
		return nil, fmt.Errorf("messenger: dial %s (worker %s): %w", c.addr, c.workerName, err)
	}
	conn := result.(net.Conn)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	metrics.MessengerReconnectsTotal.WithLabelValues(c.workerName).Inc()
	go c.readLoop(conn)
	return conn, nil
}

func (c *connector) readLoop(conn net.Conn) {
	for {
		var resp wire.Response
		if err := readFrame(conn, &resp); err != nil {
			c.dropConn(conn)
			return
		}
		c.mu.Lock()
		cb, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			cb(resp.ID, true, &resp)
		}
	}
}

// dropConn tears down conn if it is still the connector's active
// connection, and fails every outstanding send registered against it.
func (c *connector) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]OnFinish)
	c.mu.Unlock()

	conn.Close()
	for id, cb := range pending {
		cb(id, false, nil)
	}
}

func (c *connector) failAllPending() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]OnFinish)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for id, cb := range pending {
		cb(id, false, nil)
	}
}

// send queues job; it never blocks on network I/O itself.
func (c *connector) send(job sendJob) {
	select {
	case c.jobs <- job:
	case <-c.done:
		job.onFinish(job.id, false, nil)
	}
}

// cancel fails id with success=false if its response has not yet been
// dispatched; it is a no-op if the id is not (or no longer) pending.
func (c *connector) cancel(id string) {
	c.mu.Lock()
	cb, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		cb(id, false, nil)
	}
}

func (c *connector) stop() {
	close(c.done)
}
