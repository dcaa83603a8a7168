package softswitch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// AMIConfig carries the manager connection's options, mirroring
// internal/ami/manager.go's Config.
type AMIConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	ActionTimeout     time.Duration
	BufferSize        int
}

func (c *AMIConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 5038
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
}

type amiEvent map[string]string

type amiAction struct {
	Action   string
	ActionID string
	Fields   map[string]string
}

// AMIHangupForcer implements the dispatcher.HangupForcer and
// realtimebiller.HangupForcer contracts over a persistent AMI-style
// action/response connection. Grounded on internal/ami/manager.go: the
// connect/login/event-reader/ping/reconnect goroutines and the
// ActionID-correlated response channel are carried over unchanged; only
// the exposed action (Hangup) and the public method name change.
type AMIHangupForcer struct {
	cfg AMIConfig

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mu        sync.RWMutex
	connected bool
	loggedIn  bool

	actionID       uint64
	pendingActions map[string]chan amiEvent
	actionMutex    sync.Mutex

	shutdown      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup
}

func NewAMIHangupForcer(cfg AMIConfig) *AMIHangupForcer {
	cfg.setDefaults()
	return &AMIHangupForcer{
		cfg:            cfg,
		pendingActions: make(map[string]chan amiEvent),
		shutdown:       make(chan struct{}),
		reconnectChan:  make(chan struct{}, 1),
	}
}

func (m *AMIHangupForcer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	logger.WithField("addr", addr).Info("connecting to call manager interface")

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrAdapter, "failed to connect to call manager interface")
	}

	m.conn = conn
	m.reader = bufio.NewReader(conn)
	m.writer = bufio.NewWriter(conn)

	banner, err := m.reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return errors.Wrap(err, errors.ErrAdapter, "failed to read manager interface banner")
	}
	if !strings.Contains(banner, "Call Manager") {
		conn.Close()
		return errors.New(errors.ErrAdapter, fmt.Sprintf("unexpected manager interface banner: %s", banner))
	}

	m.connected = true

	if err := m.login(); err != nil {
		m.closeLocked()
		return err
	}

	m.wg.Add(1)
	go m.eventReader()
	m.wg.Add(1)
	go m.pingLoop()
	m.wg.Add(1)
	go m.reconnectHandler()

	logger.Info("connected to call manager interface")
	return nil
}

func (m *AMIHangupForcer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("call manager interface close timed out")
	}
}

func (m *AMIHangupForcer) closeLocked() {
	if !m.connected {
		return
	}
	select {
	case <-m.shutdown:
	default:
		close(m.shutdown)
	}
	if m.conn != nil {
		m.conn.Close()
	}
	m.connected = false
	m.loggedIn = false
}

func (m *AMIHangupForcer) login() error {
	resp, err := m.sendAction(amiAction{Action: "Login", Fields: map[string]string{
		"Username": m.cfg.Username,
		"Secret":   m.cfg.Password,
	}})
	if err != nil {
		return errors.Wrap(err, errors.ErrAdapter, "call manager login failed")
	}
	if resp["Response"] != "Success" {
		return errors.New(errors.ErrAdapter, "call manager login rejected")
	}
	m.mu.Lock()
	m.loggedIn = true
	m.mu.Unlock()
	return nil
}

// ForceHangup implements the dispatcher.HangupForcer and
// realtimebiller.HangupForcer contracts: a bounded-timeout Hangup action
// keyed by call UUID (resolved to a channel name by the dialplan's naming
// convention, Local/<uuid>@billcore-1).
func (m *AMIHangupForcer) ForceHangup(ctx context.Context, callUUID string, cause string) error {
	channel := fmt.Sprintf("Local/%s@billcore-1", callUUID)
	resp, err := m.sendAction(amiAction{Action: "Hangup", Fields: map[string]string{
		"Channel": channel,
		"Cause":   cause,
	}})
	if err != nil {
		return err
	}
	if resp["Response"] != "Success" {
		return errors.New(errors.ErrAdapter, "call manager hangup action rejected")
	}
	return nil
}

func (m *AMIHangupForcer) sendAction(action amiAction) (amiEvent, error) {
	m.mu.RLock()
	if !m.connected || !m.loggedIn {
		m.mu.RUnlock()
		return nil, errors.New(errors.ErrAdapter, "not connected to call manager interface")
	}
	m.mu.RUnlock()

	actionID := fmt.Sprintf("%d", atomic.AddUint64(&m.actionID, 1))
	action.ActionID = actionID

	responseChan := make(chan amiEvent, 1)
	m.actionMutex.Lock()
	m.pendingActions[actionID] = responseChan
	m.actionMutex.Unlock()
	defer func() {
		m.actionMutex.Lock()
		delete(m.pendingActions, actionID)
		m.actionMutex.Unlock()
	}()

	var lines []string
	lines = append(lines, fmt.Sprintf("Action: %s", action.Action), fmt.Sprintf("ActionID: %s", actionID))
	for key, value := range action.Fields {
		lines = append(lines, fmt.Sprintf("%s: %s", key, value))
	}
	lines = append(lines, "")

	if _, err := m.writer.WriteString(strings.Join(lines, "\r\n")); err != nil {
		return nil, errors.Wrap(err, errors.ErrAdapter, "failed to write manager interface action")
	}
	if err := m.writer.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.ErrAdapter, "failed to flush manager interface action")
	}

	select {
	case response := <-responseChan:
		return response, nil
	case <-time.After(m.cfg.ActionTimeout):
		return nil, errors.New(errors.ErrTimeout, "call manager action timed out")
	}
}

func (m *AMIHangupForcer) eventReader() {
	defer m.wg.Done()
	for {
		select {
		case <-m.shutdown:
			return
		default:
			event, err := m.readEvent()
			if err != nil {
				if !strings.Contains(err.Error(), "use of closed network connection") {
					logger.WithError(err).Error("failed to read call manager event")
				}
				select {
				case m.reconnectChan <- struct{}{}:
				default:
				}
				return
			}
			if event == nil {
				continue
			}
			if actionID, ok := event["ActionID"]; ok {
				m.actionMutex.Lock()
				if ch, exists := m.pendingActions[actionID]; exists {
					select {
					case ch <- event:
					default:
					}
				}
				m.actionMutex.Unlock()
			}
		}
	}
}

func (m *AMIHangupForcer) readEvent() (amiEvent, error) {
	event := make(amiEvent)
	for {
		line, err := m.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if len(event) > 0 {
				return event, nil
			}
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			event[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
}

func (m *AMIHangupForcer) pingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			if _, err := m.sendAction(amiAction{Action: "Ping"}); err != nil {
				logger.WithError(err).Warn("call manager ping failed")
			}
		}
	}
}

func (m *AMIHangupForcer) reconnectHandler() {
	defer m.wg.Done()
	for {
		select {
		case <-m.shutdown:
			return
		case <-m.reconnectChan:
			logger.Info("call manager reconnection triggered")
			m.mu.Lock()
			m.connected = false
			m.loggedIn = false
			if m.conn != nil {
				m.conn.Close()
			}
			m.mu.Unlock()

			time.Sleep(m.cfg.ReconnectInterval)

			if err := m.Connect(context.Background()); err != nil {
				logger.WithError(err).Error("call manager reconnection failed")
				select {
				case m.reconnectChan <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (m *AMIHangupForcer) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}
