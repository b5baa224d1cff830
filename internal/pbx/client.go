// Package pbx is an Asterisk Manager Interface client. A single worker owns all
// writes on the control channel; responses are matched to callers by ActionID and
// unsolicited events are fanned out to listeners.
package pbx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-voice-agent/pkg/logger"
)

var (
	ErrNotConnected     = errors.New("pbx: not connected")
	ErrConnectionClosed = errors.New("pbx: connection closed")
	ErrQueueFull        = errors.New("pbx: action queue full")
	ErrActionTimeout    = errors.New("pbx: action timed out")
	ErrAuthFailed       = errors.New("pbx: authentication failed")
	ErrConnectTimeout   = errors.New("pbx: connect timed out")
	ErrBadBanner        = errors.New("pbx: unexpected banner")
)

const bannerMarker = "Asterisk Call Manager"

// Config configures the control-channel session.
type Config struct {
	Address           string
	Username          string
	Secret            string
	ConnectTimeout    time.Duration
	ActionTimeout     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	ReconnectDelay    time.Duration
	QueueSize         int
	Events            string
}

// Dialer opens the transport connection.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Listener receives events. Each listener runs on its own goroutine and sees
// events in the order they were read; it must not mutate ev.
type Listener func(ev Message)

// subscription feeds one listener from an unbounded FIFO; push never blocks.
type subscription struct {
	fn   Listener
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	queue  []Message
	closed bool
}

func newSubscription(fn Listener) *subscription {
	return &subscription{fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (s *subscription) push(ev Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) run(c *Client) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				c.invoke(s.fn, ev)
			}
		}
	}
}

type result struct {
	msg Message
	err error
}

type request struct {
	action   Action
	sentinel bool
}

type session struct {
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Client is a long-lived AMI session with automatic reconnection.
type Client struct {
	cfg  Config
	log  *logger.Logger
	dial Dialer

	loginSem chan struct{}

	mu        sync.Mutex
	sess      *session
	connected atomic.Bool

	queue     chan request
	pendingMu sync.Mutex
	pending   map[string]chan result

	listenersMu sync.RWMutex
	named       map[string]map[uint64]*subscription
	generic     map[uint64]*subscription
	nextID      uint64

	stopped    atomic.Bool
	stopCh     chan struct{}
	workerDone chan struct{}
	wg         sync.WaitGroup
}

// NewClient builds a client and starts its action worker. Call Connect to log in.
func NewClient(cfg Config, log *logger.Logger, dial Dialer) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Events == "" {
		cfg.Events = "call,system,user,agent"
	}
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	c := &Client{
		cfg:        cfg,
		log:        log.Named("pbx"),
		dial:       dial,
		loginSem:   make(chan struct{}, 1),
		queue:      make(chan request, cfg.QueueSize),
		pending:    make(map[string]chan result),
		named:      make(map[string]map[uint64]*subscription),
		generic:    make(map[uint64]*subscription),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go c.worker()
	return c
}

// Connected reports whether the session is logged in.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect logs in, returning false if the session is not up within ConnectTimeout.
// Concurrent callers wait for the single in-flight login.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	if c.stopped.Load() {
		return false, ErrConnectionClosed
	}
	if c.connected.Load() {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	select {
	case c.loginSem <- struct{}{}:
	case <-ctx.Done():
		return c.connected.Load(), ErrConnectTimeout
	}
	defer func() { <-c.loginSem }()

	if c.connected.Load() {
		return true, nil
	}

	sess, err := c.login(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectTimeout
		}
		c.log.Warn("pbx: login failed", zap.String("address", c.cfg.Address), zap.Error(err))
		return false, err
	}

	c.mu.Lock()
	c.sess = sess
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(sess)
	go c.keepalive(sess)

	c.log.Info("pbx: connected", zap.String("address", c.cfg.Address))
	return true, nil
}

func (c *Client) login(ctx context.Context) (*session, error) {
	conn, err := c.dial(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("pbx: dial %s: %w", c.cfg.Address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	reader := bufio.NewReader(conn)
	banner, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pbx: read banner: %w", err)
	}
	if !strings.Contains(banner, bannerMarker) {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %q", ErrBadBanner, strings.TrimSpace(banner))
	}

	login := NewAction("Login",
		"Username", c.cfg.Username,
		"Secret", c.cfg.Secret,
		"Events", c.cfg.Events,
	).WithID(NewActionID("Login"))
	if _, err := conn.Write(login.encode()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pbx: write login: %w", err)
	}

	for {
		msg, err := readMessage(reader)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("pbx: read login response: %w", err)
		}
		if msg.IsEvent() || msg.ActionID() != login.ID() {
			continue
		}
		if !msg.Success() {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, msg.Get("Message"))
		}
		break
	}

	_ = conn.SetDeadline(time.Time{})
	return &session{conn: conn, reader: reader, done: make(chan struct{})}, nil
}

// SendAction enqueues the action and waits up to timeout for its response.
// A timeout on an Async action returns a presumed success message.
func (c *Client) SendAction(ctx context.Context, action Action, timeout time.Duration) (Message, error) {
	if c.stopped.Load() {
		return nil, ErrConnectionClosed
	}
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.ActionTimeout
	}
	if action.id == "" {
		action.id = NewActionID(action.Name)
	}

	res := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[action.id] = res
	c.pendingMu.Unlock()

	select {
	case c.queue <- request{action: action}:
	default:
		c.dropPending(action.id)
		return nil, ErrQueueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-res:
		return r.msg, r.err
	case <-timer.C:
		c.dropPending(action.id)
		if action.Async {
			c.log.Debug("pbx: async action presumed successful",
				zap.String("action", action.Name), zap.String("action_id", action.id))
			return Message{"response": "Success", "actionid": action.id, presumedKey: "true"}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrActionTimeout, action.Name)
	case <-ctx.Done():
		c.dropPending(action.id)
		return nil, ctx.Err()
	}
}

// On registers a listener for one event name and returns its unsubscribe function.
func (c *Client) On(event string, l Listener) func() {
	name := strings.ToLower(event)
	sub := newSubscription(l)
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	if c.named[name] == nil {
		c.named[name] = make(map[uint64]*subscription)
	}
	c.named[name][id] = sub
	c.listenersMu.Unlock()
	go sub.run(c)

	return func() {
		c.listenersMu.Lock()
		delete(c.named[name], id)
		if len(c.named[name]) == 0 {
			delete(c.named, name)
		}
		c.listenersMu.Unlock()
		sub.stop()
	}
}

// OnAny registers a listener for every event and returns its unsubscribe function.
func (c *Client) OnAny(l Listener) func() {
	sub := newSubscription(l)
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.generic[id] = sub
	c.listenersMu.Unlock()
	go sub.run(c)

	return func() {
		c.listenersMu.Lock()
		delete(c.generic, id)
		c.listenersMu.Unlock()
		sub.stop()
	}
}

// Close stops the worker, logs off, disconnects and fails pending actions.
func (c *Client) Close(ctx context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	close(c.stopCh)

	select {
	case c.queue <- request{sentinel: true}:
	case <-ctx.Done():
	}
	select {
	case <-c.workerDone:
	case <-ctx.Done():
		c.log.Warn("pbx: worker did not drain before shutdown deadline")
	}

	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.connected.Store(false)
	c.mu.Unlock()

	if sess != nil {
		logoff := NewAction("Logoff").WithID(NewActionID("Logoff"))
		_ = sess.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = sess.conn.Write(logoff.encode())
		sess.close()
	}
	c.failPending(ErrConnectionClosed)
	c.stopListeners()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) worker() {
	defer close(c.workerDone)
	for req := range c.queue {
		if req.sentinel {
			return
		}

		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess == nil {
			c.resolve(req.action.id, result{err: ErrNotConnected})
			continue
		}

		_ = sess.conn.SetWriteDeadline(time.Now().Add(c.cfg.ActionTimeout))
		if _, err := sess.conn.Write(req.action.encode()); err != nil {
			c.resolve(req.action.id, result{err: fmt.Errorf("pbx: write %s: %w", req.action.Name, err)})
			c.disconnect(sess, err)
		}
	}
}

func (c *Client) readLoop(sess *session) {
	defer c.wg.Done()
	for {
		msg, err := readMessage(sess.reader)
		if err != nil {
			c.disconnect(sess, err)
			return
		}
		if msg.IsEvent() {
			c.dispatch(msg)
			continue
		}
		if id := msg.ActionID(); id != "" {
			c.resolve(id, result{msg: msg})
		}
	}
}

func (c *Client) keepalive(sess *session) {
	defer c.wg.Done()
	if c.cfg.KeepaliveInterval <= 0 {
		<-sess.done
		return
	}

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeepaliveTimeout)
			_, err := c.SendAction(ctx, NewAction("Ping"), c.cfg.KeepaliveTimeout)
			cancel()
			if err != nil {
				c.log.Warn("pbx: keepalive failed", zap.Error(err))
				c.disconnect(sess, err)
				return
			}
		}
	}
}

func (c *Client) dispatch(ev Message) {
	name := strings.ToLower(ev.Name())

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, sub := range c.named[name] {
		sub.push(ev.Clone())
	}
	for _, sub := range c.generic {
		sub.push(ev.Clone())
	}
}

func (c *Client) stopListeners() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for name, subs := range c.named {
		for _, sub := range subs {
			sub.stop()
		}
		delete(c.named, name)
	}
	for id, sub := range c.generic {
		sub.stop()
		delete(c.generic, id)
	}
}

func (c *Client) invoke(l Listener, ev Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pbx: listener panicked", zap.String("event", ev.Name()), zap.Any("panic", r))
		}
	}()
	l(ev)
}

func (c *Client) disconnect(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.connected.Store(false)
	c.mu.Unlock()

	sess.close()
	c.failPending(ErrConnectionClosed)

	if c.stopped.Load() {
		return
	}
	c.log.Warn("pbx: disconnected", zap.Error(cause))
	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		ok, err := c.Connect(context.Background())
		if ok {
			return
		}
		c.log.Warn("pbx: reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Client) resolve(id string, r result) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *Client) dropPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
	}
}
