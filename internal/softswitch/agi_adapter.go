package softswitch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/billcore/internal/dispatcher"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

const (
	agiSuccess = "200 result=1"
	agiFailure = "200 result=0"
)

// AGIConfig carries the listener and connection-lifecycle options, mirroring
// internal/agi/server.go's Config.
type AGIConfig struct {
	ListenAddress   string
	Port            int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	EventBuffer     int
}

func (c *AGIConfig) setDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
}

// AGIEventSource listens for AGI connections from the softswitch's dialplan
// and translates each request leg (billcore-create, billcore-answer,
// billcore-hangup) into a dispatcher.Event. One AGI connection per call leg
// mirrors how Asterisk actually invokes AGI() at specific dialplan points;
// this adapter's job is only framing and translation, never billing logic.
//
// Grounded on internal/agi/server.go: the accept loop, connection tracking,
// idle-connection reaper, and header-line framing are carried over verbatim
// in shape. handleProcessIncoming/handleProcessReturn/handleProcessFinal's
// "call router, set channel vars, respond" pattern becomes "build an Event,
// push it to the channel, respond".
type AGIEventSource struct {
	cfg AGIConfig

	listener net.Listener
	conns    sync.WaitGroup
	shutdown chan struct{}
	closing  atomic.Bool

	mu          sync.RWMutex
	activeConns map[string]*agiSession
	connCount   atomic.Int64

	events chan dispatcher.Event
}

func NewAGIEventSource(cfg AGIConfig) *AGIEventSource {
	cfg.setDefaults()
	return &AGIEventSource{
		cfg:         cfg,
		shutdown:    make(chan struct{}),
		activeConns: make(map[string]*agiSession),
		events:      make(chan dispatcher.Event, cfg.EventBuffer),
	}
}

// Events implements EventAdapter.
func (s *AGIEventSource) Events() <-chan dispatcher.Event { return s.events }

func (s *AGIEventSource) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrAdapter, "failed to start AGI event source")
	}
	s.listener = listener
	logger.WithField("address", addr).Info("AGI event source started")

	go s.connectionMonitor()

	for {
		select {
		case <-s.shutdown:
			return nil
		default:
			if tcpListener, ok := listener.(*net.TCPListener); ok {
				tcpListener.SetDeadline(time.Now().Add(time.Second))
			}

			conn, err := listener.Accept()
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if s.closing.Load() {
					return nil
				}
				logger.WithError(err).Warn("AGI accept failed")
				continue
			}

			if s.cfg.MaxConnections > 0 && int(s.connCount.Load()) >= s.cfg.MaxConnections {
				conn.Close()
				continue
			}

			s.conns.Add(1)
			s.connCount.Add(1)
			go s.handleConnection(conn)
		}
	}
}

func (s *AGIEventSource) Stop() error {
	s.closing.Store(true)
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("AGI event source stopped gracefully")
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn("AGI event source shutdown timeout, forcing close")
		s.forceCloseConnections()
	}
	return nil
}

type agiSession struct {
	id         string
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	headers    map[string]string
	source     *AGIEventSource
	lastActive time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *AGIEventSource) handleConnection(conn net.Conn) {
	defer func() {
		s.conns.Done()
		s.connCount.Add(-1)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	session := &agiSession{
		id:         fmt.Sprintf("%s-%d", conn.RemoteAddr().String(), time.Now().UnixNano()),
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		headers:    make(map[string]string),
		source:     s,
		lastActive: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.mu.Lock()
	s.activeConns[session.id] = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.activeConns, session.id)
		s.mu.Unlock()
		cancel()
	}()

	conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))

	if err := session.handle(); err != nil {
		if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
			logger.WithField("session_id", session.id).WithError(err).Warn("AGI session error")
		}
	}
}

func (session *agiSession) handle() error {
	if err := session.readHeaders(); err != nil {
		return errors.Wrap(err, errors.ErrAdapter, "failed to read AGI headers")
	}

	request := session.headers["agi_request"]
	switch {
	case strings.Contains(request, "billcore-create"):
		return session.handleCreate()
	case strings.Contains(request, "billcore-answer"):
		return session.handleAnswer()
	case strings.Contains(request, "billcore-hangup"):
		return session.handleHangup()
	default:
		logger.WithField("request", request).Warn("unknown AGI request")
		return session.respond(agiFailure)
	}
}

func (session *agiSession) readHeaders() error {
	session.lastActive = time.Now()
	for {
		line, err := session.reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			session.headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return nil
}

func (session *agiSession) direction() models.Direction {
	switch session.headers["agi_calltype"] {
	case "inbound":
		return models.DirectionInbound
	case "internal":
		return models.DirectionInternal
	default:
		return models.DirectionOutbound
	}
}

func (session *agiSession) handleCreate() error {
	ev := dispatcher.CreateEvent{
		CallUUID:  session.headers["agi_uniqueid"],
		Caller:    session.headers["agi_callerid"],
		Callee:    session.headers["agi_extension"],
		Direction: session.direction(),
		StartTime: time.Now(),
	}
	session.emit(ev)
	return session.respond(agiSuccess)
}

func (session *agiSession) handleAnswer() error {
	ev := dispatcher.AnswerEvent{
		CallUUID:   session.headers["agi_uniqueid"],
		AnswerTime: time.Now(),
	}
	session.emit(ev)
	return session.respond(agiSuccess)
}

func (session *agiSession) handleHangup() error {
	ev := dispatcher.HangupEvent{
		CallUUID:    session.headers["agi_uniqueid"],
		EndTime:     time.Now(),
		HangupCause: session.headers["agi_hangupcause"],
	}
	session.emit(ev)
	return session.respond(agiSuccess)
}

func (session *agiSession) emit(ev dispatcher.Event) {
	select {
	case session.source.events <- ev:
	case <-time.After(time.Second):
		logger.WithContext(session.ctx).WithField("call_uuid", ev.UUID()).Warn("AGI event channel full, dropping event")
	}
}

func (session *agiSession) respond(response string) error {
	session.conn.SetWriteDeadline(time.Now().Add(session.source.cfg.WriteTimeout))
	if _, err := session.writer.WriteString(response + "\n"); err != nil {
		return err
	}
	return session.writer.Flush()
}

func (s *AGIEventSource) connectionMonitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.checkIdleConnections()
		}
	}
}

func (s *AGIEventSource) checkIdleConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, session := range s.activeConns {
		if now.Sub(session.lastActive) > s.cfg.IdleTimeout {
			logger.WithField("session_id", id).Info("closing idle AGI connection")
			session.conn.Close()
			session.cancel()
		}
	}
}

func (s *AGIEventSource) forceCloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.activeConns {
		logger.WithField("session_id", id).Info("force closing AGI connection")
		session.conn.Close()
		session.cancel()
	}
}
