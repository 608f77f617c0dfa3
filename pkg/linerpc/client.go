package linerpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NotifyHandler receives the data of one notification.
type NotifyHandler func(data json.RawMessage)

// DoneFunc is called exactly once with the outcome of an enqueued command.
type DoneFunc func(ret json.RawMessage, err error)

type pendingCall struct {
	command string
	data    json.RawMessage
	done    DoneFunc
}

// Client is the issuer side of a connection. Commands go through a single
// FIFO queue and the next one is written only after the previous one got its
// return or error. Notifications are dispatched in arrival order on their own
// goroutine, independent of the pending command.
type Client struct {
	conn net.Conn
	log  *logrus.Entry
	enc  *Encoder
	dec  *Decoder

	mu       sync.Mutex
	handlers map[string]NotifyHandler
	queue    []*pendingCall
	inflight bool
	closed   bool
	err      error

	wake      chan struct{}
	replies   chan Message
	notifies  chan Message
	done      chan struct{}
	closeOnce sync.Once
	group     errgroup.Group
	startOnce sync.Once
}

// Dial connects to a responder. The returned client is not started, so that
// notification handlers can be registered first.
func Dial(ctx context.Context, addr string, log *logrus.Entry) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, log), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, log *logrus.Entry) *Client {
	return &Client{
		conn:     conn,
		log:      log.WithField("peer", conn.RemoteAddr().String()),
		enc:      NewEncoder(conn),
		dec:      NewDecoder(conn),
		handlers: make(map[string]NotifyHandler),
		wake:     make(chan struct{}, 1),
		replies:  make(chan Message, 1),
		notifies: make(chan Message, 64),
		done:     make(chan struct{}),
	}
}

// OnNotify registers the handler for a notification name.
func (c *Client) OnNotify(name string, h NotifyHandler) {
	c.mu.Lock()
	c.handlers[name] = h
	c.mu.Unlock()
}

// Start launches the reader, sender and notification dispatcher.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.group.Go(c.readLoop)
		c.group.Go(c.sendLoop)
		c.group.Go(c.dispatchLoop)
	})
}

// Enqueue appends a command to the send queue without waiting. done is
// called exactly once, from the client's own goroutine, unless Enqueue
// returns an error.
func (c *Client) Enqueue(command string, data any, done DoneFunc) error {
	msg, err := NewCommand(command, data)
	if err != nil {
		return err
	}
	if done == nil {
		done = func(json.RawMessage, error) {}
	}
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.queue = append(c.queue, &pendingCall{command: command, data: msg.Data, done: done})
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call enqueues a command and waits for its outcome, decoding the return
// value into result when result is non-nil. There is no per-call timeout; if
// ctx ends first the whole connection is torn down, since the late response
// could otherwise be taken for the answer to the next command.
func (c *Client) Call(ctx context.Context, command string, data any, result any) error {
	type outcome struct {
		ret json.RawMessage
		err error
	}
	ch := make(chan outcome, 1)
	err := c.Enqueue(command, data, func(ret json.RawMessage, err error) {
		ch <- outcome{ret, err}
	})
	if err != nil {
		return err
	}
	select {
	case o := <-ch:
		if o.err != nil {
			return o.err
		}
		if result != nil && len(o.ret) > 0 {
			if err := json.Unmarshal(o.ret, result); err != nil {
				return &ProtocolError{Reason: fmt.Sprintf("decode %s return: %v", command, err)}
			}
		}
		return nil
	case <-ctx.Done():
		c.fail(ctx.Err())
		return closedBy(ctx.Err())
	}
}

// RemoteAddr is the responder's address.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Done is closed once the connection is torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed; nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down and fails every pending command. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.fail(nil)
	return nil
}

// Wait blocks until the client goroutines have exited.
func (c *Client) Wait() {
	_ = c.group.Wait()
}

func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = closedBy(cause)
		queued := c.queue
		c.queue = nil
		err := c.err
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		for _, pc := range queued {
			pc.done(nil, err)
		}
		if cause != nil {
			c.log.WithError(cause).Debug("issuer connection closed")
		}
	})
}

func (c *Client) next() *pendingCall {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		if len(c.queue) > 0 {
			pc := c.queue[0]
			c.queue = c.queue[1:]
			c.inflight = true
			c.mu.Unlock()
			return pc
		}
		c.mu.Unlock()
		select {
		case <-c.wake:
		case <-c.done:
			return nil
		}
	}
}

func (c *Client) sendLoop() error {
	for {
		pc := c.next()
		if pc == nil {
			return nil
		}
		c.log.WithField("command", pc.command).Debug("send command")
		if err := c.enc.Encode(Message{Kind: KindCommand, Name: pc.command, Data: pc.data}); err != nil {
			c.fail(err)
			pc.done(nil, c.Err())
			return nil
		}
		select {
		case reply := <-c.replies:
			pc.answer(reply)
		case <-c.done:
			// The responder may have answered right before hanging up.
			select {
			case reply := <-c.replies:
				pc.answer(reply)
			default:
				pc.done(nil, c.Err())
			}
			return nil
		}
	}
}

func (pc *pendingCall) answer(reply Message) {
	if reply.Kind == KindError {
		pc.done(nil, &RemoteError{Command: pc.command, Reason: reply.ErrorText()})
		return
	}
	pc.done(reply.Data, nil)
}

func (c *Client) readLoop() error {
	for {
		m, err := c.dec.Decode()
		if err != nil {
			c.fail(err)
			return nil
		}
		switch m.Kind {
		case KindReturn, KindError:
			c.mu.Lock()
			expected := c.inflight
			c.inflight = false
			c.mu.Unlock()
			if !expected {
				c.fail(&ProtocolError{Reason: "unsolicited " + m.Kind.String()})
				return nil
			}
			c.replies <- m
		case KindNotify:
			select {
			case c.notifies <- m:
			case <-c.done:
				return nil
			}
		default:
			c.fail(&ProtocolError{Reason: "issuer received " + m.Kind.String()})
			return nil
		}
	}
}

func (c *Client) dispatchLoop() error {
	for {
		select {
		case m := <-c.notifies:
			c.mu.Lock()
			h := c.handlers[m.Name]
			c.mu.Unlock()
			if h == nil {
				c.log.WithField("notify", m.Name).Debug("no handler for notification")
				continue
			}
			h(m.Data)
		case <-c.done:
			return nil
		}
	}
}
