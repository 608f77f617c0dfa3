package linerpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc serves one command. The returned value becomes the "return"
// payload (nil is sent as {}); a non-nil error is sent as {"error": ...}.
type HandlerFunc func(ctx context.Context, p *Peer, data json.RawMessage) (any, error)

// ServerConfig holds admission control and connection hooks.
type ServerConfig struct {
	// Allow restricts source addresses. Nil admits everyone.
	Allow func(netip.Addr) bool
	// OnePerAddr rejects a connection from an address that already has a
	// live connection.
	OnePerAddr bool
	// OnInit runs synchronously on accept, before any command is read. An
	// error rejects the connection. The result is available to handlers
	// through Peer.InitResult.
	OnInit func(p *Peer) (any, error)
	// OnTerminate runs exactly once for every admitted connection, after it
	// closed for whatever reason. It must not fail.
	OnTerminate func(p *Peer)
}

// Server is the responder side.
type Server struct {
	cfg ServerConfig
	log *logrus.Entry

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	peers     map[*Peer]struct{}
	byAddr    map[netip.Addr]*Peer
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup
}

func NewServer(log *logrus.Entry, cfg ServerConfig) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		handlers:  make(map[string]HandlerFunc),
		peers:     make(map[*Peer]struct{}),
		byAddr:    make(map[netip.Addr]*Peer),
		listeners: make(map[net.Listener]struct{}),
	}
}

// Handle registers the handler for a command name.
func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = h
	s.mu.Unlock()
}

// Serve accepts connections until ln fails or the server is closed. It
// returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, ln)
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			delete(s.listeners, ln)
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops listening, closes every live connection and waits for their
// terminate hooks. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	s.wg.Wait()
	return nil
}

// Peers returns the live connections.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) serveConn(conn net.Conn) {
	p := newPeer(s, conn)
	log := p.log

	if s.cfg.Allow != nil && !s.cfg.Allow(p.addr.Addr()) {
		log.Warn("connection rejected: source not allowed")
		p.fail(ErrRejected)
		return
	}
	if !s.admit(p) {
		log.Warn("connection rejected: address already connected")
		p.fail(ErrRejected)
		return
	}
	if s.cfg.OnInit != nil {
		res, err := safeInit(s.cfg.OnInit, p)
		if err != nil {
			log.WithError(err).Warn("connection rejected by init hook")
			s.release(p)
			p.fail(ErrRejected)
			return
		}
		p.initResult = res
	}

	log.Debug("connection accepted")
	p.run()
	if s.cfg.OnTerminate != nil {
		s.terminate(p)
	}
	s.release(p)
	log.WithError(p.Err()).Debug("connection terminated")
}

func (s *Server) admit(p *Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.cfg.OnePerAddr {
		if _, ok := s.byAddr[p.addr.Addr()]; ok {
			return false
		}
		s.byAddr[p.addr.Addr()] = p
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) release(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
	if cur, ok := s.byAddr[p.addr.Addr()]; ok && cur == p {
		delete(s.byAddr, p.addr.Addr())
	}
}

func (s *Server) terminate(p *Peer) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("terminate hook panicked")
		}
	}()
	s.cfg.OnTerminate(p)
}

func safeInit(fn func(*Peer) (any, error), p *Peer) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init hook panic: %v", r)
		}
	}()
	return fn(p)
}

func (s *Server) handler(name string) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[name]
}

// Peer is one accepted connection on a Server.
type Peer struct {
	server     *Server
	conn       net.Conn
	addr       netip.AddrPort
	log        *logrus.Entry
	initResult any

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []Message
	closed bool
	err    error
	// hangup is set by a handler; draining once its reply is queued.
	hangup   bool
	draining bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(s *Server, conn net.Conn) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	addr := remoteAddrPort(conn)
	return &Peer{
		server: s,
		conn:   conn,
		addr:   addr,
		log:    s.log.WithField("peer", conn.RemoteAddr().String()),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func remoteAddrPort(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// RemoteAddr is the issuer's address.
func (p *Peer) RemoteAddr() netip.AddrPort {
	return p.addr
}

// InitResult is what the init hook returned for this connection.
func (p *Peer) InitResult() any {
	return p.initResult
}

// Done is closed when the connection is torn down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err reports why the connection closed.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Notify queues a notification without blocking.
func (p *Peer) Notify(name string, data any) error {
	m, err := NewNotify(name, data)
	if err != nil {
		return err
	}
	return p.send(m)
}

// Close tears the connection down. Safe to call more than once.
func (p *Peer) Close() {
	p.fail(nil)
}

// CloseAfterReply asks for the connection to be closed once the reply to the
// command being served has been written. Nothing more is read from the peer.
func (p *Peer) CloseAfterReply() {
	p.mu.Lock()
	p.hangup = true
	p.mu.Unlock()
}

func (p *Peer) send(m Message) error {
	p.mu.Lock()
	if p.closed {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Peer) fail(cause error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.err = closedBy(cause)
		p.queue = nil
		p.mu.Unlock()
		p.cancel()
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *Peer) run() {
	var g errgroup.Group
	g.Go(p.readLoop)
	g.Go(p.writeLoop)
	_ = g.Wait()
}

func (p *Peer) readLoop() error {
	dec := NewDecoder(p.conn)
	for {
		m, err := dec.Decode()
		var perr *ProtocolError
		switch {
		case errors.As(err, &perr):
			p.log.WithError(err).Warn("malformed frame")
			p.reply(NewError(perr.Reason))
			continue
		case err != nil:
			p.fail(err)
			return nil
		}
		if m.Kind != KindCommand {
			p.reply(NewError("responder accepts commands only, got " + m.Kind.String()))
			continue
		}
		if p.replyLast(p.dispatch(m)) {
			return nil
		}
	}
}

func (p *Peer) dispatch(m Message) (reply Message) {
	log := p.log.WithField("command", m.Name)
	h := p.server.handler(m.Name)
	if h == nil {
		log.Warn("unknown command")
		return NewError("unknown command " + m.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("handler panicked")
			reply = NewError(fmt.Sprintf("%s: internal error", m.Name))
		}
	}()
	log.Debug("serve command")
	ret, err := h(p.ctx, p, m.Data)
	if err != nil {
		log.WithError(err).Info("command failed")
		return NewError(err.Error())
	}
	reply, err = NewReturn(ret)
	if err != nil {
		log.WithError(err).Error("encode return")
		return NewError(err.Error())
	}
	return reply
}

func (p *Peer) reply(m Message) {
	// The connection may already be closing; nothing else to answer then.
	_ = p.send(m)
}

// replyLast queues m and reports whether the handler asked to hang up, in
// which case the write loop closes the connection after flushing m.
func (p *Peer) replyLast(m Message) bool {
	p.mu.Lock()
	if !p.hangup || p.closed {
		p.mu.Unlock()
		p.reply(m)
		return false
	}
	p.queue = append(p.queue, m)
	p.draining = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *Peer) next() (Message, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Message{}, false
		}
		if len(p.queue) > 0 {
			m := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return m, true
		}
		if p.draining {
			p.mu.Unlock()
			return Message{}, false
		}
		p.mu.Unlock()
		select {
		case <-p.wake:
		case <-p.done:
			return Message{}, false
		}
	}
}

func (p *Peer) writeLoop() error {
	enc := NewEncoder(p.conn)
	for {
		m, ok := p.next()
		if !ok {
			p.fail(nil)
			return nil
		}
		if err := enc.Encode(m); err != nil {
			p.fail(err)
			return nil
		}
	}
}
