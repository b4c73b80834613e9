package link

import (
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/ascentic/ropelink/helpers"
	"github.com/ascentic/ropelink/log2"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultReconnectDelay = 2 * time.Second

	// Consecutive authentication failures before the manager logs a
	// distinct security diagnostic. Reconnect policy is unchanged,
	// ordinary connection loss and a key mismatch must stay
	// distinguishable in logs and stats.
	authFailAlertThreshold = 5
)

type Mode uint8

const (
	ModeInvalid Mode = iota
	ModeDial
	ModeListen
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "dial", "client", "connect":
		return ModeDial, nil
	case "listen", "server", "accept":
		return ModeListen, nil
	}
	return ModeInvalid, errors.Errorf("invalid channel mode=%s valid: dial, listen", s)
}

type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

type Options struct {
	Log    *log2.Log
	Name   string // channel tag for logs: control, telemetry
	Mode   Mode
	URL    string // tcp://host:port
	Secret []byte

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // 0 = bounded only by connection death
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
	MaxFrame       uint32

	// OnPayload runs on the reader goroutine for every authenticated,
	// non-replayed payload. Errors are logged and the frame dropped,
	// they do not kill the connection.
	OnPayload func(payload []byte) error
}

// Manager owns one channel in one fixed role. It keeps exactly one
// connection alive, reconnecting after a constant delay.
type Manager struct {
	alive  *alive.Alive
	opt    Options
	framer *Framer
	stat   Stat
	state  uint32
	last   atomic_clock.Clock

	authStreak int32

	lk      sync.Mutex
	current *Conn
	ll      net.Listener
}

func NewManager(opt Options) (*Manager, error) {
	if opt.Mode != ModeDial && opt.Mode != ModeListen {
		return nil, errors.Errorf("channel=%s invalid mode", opt.Name)
	}
	hostport, err := ParseURL(opt.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "channel=%s url=%s", opt.Name, opt.URL)
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = DefaultConnectTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	framer, err := NewFramer(opt.Secret, opt.MaxFrame)
	if err != nil {
		return nil, errors.Annotatef(err, "channel=%s", opt.Name)
	}

	m := &Manager{
		alive:  alive.NewAlive(),
		opt:    opt,
		framer: framer,
	}
	if opt.Mode == ModeListen {
		// bind early so the config error surfaces at startup and the
		// bound address is known before the first accept
		if m.ll, err = net.Listen("tcp", hostport); err != nil {
			return nil, errors.Annotatef(err, "channel=%s listen %s", opt.Name, hostport)
		}
	}
	if !m.alive.Add(1) {
		return nil, ErrClosing
	}
	if opt.Mode == ModeDial {
		go m.runDial(hostport)
	} else {
		go m.runListen()
	}
	return m, nil
}

func (m *Manager) Close() error {
	m.alive.Stop()
	if m.ll != nil {
		_ = m.ll.Close()
	}
	m.lk.Lock()
	conn := m.current
	m.lk.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.alive.Wait()
	return nil
}

func (m *Manager) Name() string { return m.opt.Name }
func (m *Manager) Stat() *Stat  { return &m.stat }
func (m *Manager) State() State { return State(atomic.LoadUint32(&m.state)) }

func (m *Manager) setState(s State) { atomic.StoreUint32(&m.state, uint32(s)) }

// Addr returns the bound listen address, useful with port 0.
func (m *Manager) Addr() string {
	if m.ll == nil {
		return ""
	}
	return m.ll.Addr().String()
}

// SinceLastFrame is the age of the last authenticated frame on this
// channel; zero point is manager creation.
func (m *Manager) SinceLastFrame() time.Duration {
	if m.last.IsZero() {
		return -1
	}
	return atomic_clock.Since(&m.last)
}

func (m *Manager) AgeMs() int64 {
	d := m.SinceLastFrame()
	if d < 0 {
		return -1
	}
	return int64(d / time.Millisecond)
}

// Healthy reports a usable connection: established and not failing
// authentication.
func (m *Manager) Healthy() bool { return m.State() == StateAuthenticated }

// Send delivers one payload as one frame on the current connection.
// No batching and no queueing: when the channel is down the caller
// learns immediately. The write runs outside the lock so a slow peer
// cannot stall reconnects.
func (m *Manager) Send(payload []byte) error {
	var conn *Conn
	err := helpers.WithLockError(&m.lk, func() error {
		conn = m.current
		if conn == nil || conn.Closed() {
			return ErrNotConnected
		}
		return nil
	})
	if err != nil {
		return err
	}
	return conn.Send(payload, m.opt.WriteTimeout)
}

func (m *Manager) runDial(hostport string) {
	defer m.alive.Done()
	for m.alive.IsRunning() {
		m.setState(StateConnecting)
		dialer := net.Dialer{Timeout: m.opt.ConnectTimeout}
		netConn, err := dialer.Dial("tcp", hostport)
		if err != nil {
			m.setState(StateDisconnected)
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				err = ErrConnectTimeout
			}
			m.opt.Log.Debugf("%s: connect %s err=%v", m.opt.Name, hostport, err)
			m.sleep(m.opt.ReconnectDelay)
			continue
		}
		conn := newConn(netConn, m.framer, m.opt.Log, &m.stat)
		m.swapCurrent(conn)
		m.setState(StateAuthenticated)
		m.stat.Reconnects.Add(1)
		m.opt.Log.Infof("%s: connected remote=%s", m.opt.Name, addrString(netConn.RemoteAddr()))

		m.readLoop(conn)

		m.dropCurrent(conn)
		m.setState(StateDisconnected)
		m.sleep(m.opt.ReconnectDelay)
	}
}

func (m *Manager) runListen() {
	defer m.alive.Done()
	for {
		netConn, err := m.ll.Accept()
		if !m.alive.IsRunning() {
			return
		}
		if err != nil {
			m.opt.Log.Errorf("%s: accept err=%v", m.opt.Name, err)
			m.sleep(m.opt.ReconnectDelay)
			continue
		}
		if !m.alive.Add(1) {
			_ = netConn.Close()
			return
		}
		conn := newConn(netConn, m.framer, m.opt.Log, &m.stat)
		// one active peer per channel: the newcomer wins, the old
		// connection is closed (radio reconnects look like this)
		m.swapCurrent(conn)
		m.setState(StateAuthenticated)
		m.stat.Reconnects.Add(1)
		m.opt.Log.Infof("%s: accepted remote=%s", m.opt.Name, addrString(netConn.RemoteAddr()))
		go func() {
			defer m.alive.Done()
			m.readLoop(conn)
			if m.dropCurrent(conn) {
				m.setState(StateDisconnected)
			}
		}()
	}
}

func (m *Manager) readLoop(c *Conn) {
	for m.alive.IsRunning() {
		payload, err := c.Receive(m.opt.ReadTimeout)
		if err != nil {
			m.classifyReadError(c, err)
			return
		}
		if atomic.SwapInt32(&m.authStreak, 0) != 0 {
			m.stat.AuthFailStreak.Set(0)
		}
		m.last.SetNow()
		if m.opt.OnPayload != nil {
			if err = m.opt.OnPayload(payload); err != nil {
				// semantic errors drop the frame, not the link
				m.opt.Log.Errorf("%s: payload err=%v", m.opt.Name, errors.ErrorStack(err))
			}
		}
	}
	_ = c.die(ErrClosing)
}

func (m *Manager) classifyReadError(c *Conn, err error) {
	switch errors.Cause(err) {
	case ErrAuthFailed, ErrReplay:
		// Degraded: frames arrive but fail signature/sequence checks.
		// Terminal-pending, the reconnect loop resets to Disconnected.
		m.setState(StateDegraded)
		if errors.Cause(err) == ErrAuthFailed {
			m.stat.AuthFail.Add(1)
		} else {
			m.stat.Replay.Add(1)
		}
		streak := atomic.AddInt32(&m.authStreak, 1)
		m.stat.AuthFailStreak.Set(int64(streak))
		if streak == authFailAlertThreshold {
			m.opt.Log.Errorf("security: %s sustained frame authentication failures streak=%d remote=%s",
				m.opt.Name, streak, addrString(c.RemoteAddr()))
		} else {
			m.opt.Log.Infof("%s: frame rejected err=%v remote=%s", m.opt.Name, err, addrString(c.RemoteAddr()))
		}
	case ErrClosing:
	default:
		m.opt.Log.Debugf("%s: receive err=%v", m.opt.Name, err)
	}
}

func (m *Manager) swapCurrent(conn *Conn) {
	m.lk.Lock()
	old := m.current
	m.current = conn
	m.lk.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// dropCurrent clears conn if it is still the active one. Returns
// false when a newer connection already took over.
func (m *Manager) dropCurrent(conn *Conn) bool {
	took := false
	helpers.WithLock(&m.lk, func() {
		if m.current == conn {
			m.current = nil
			took = true
		}
	})
	return took
}

func (m *Manager) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-m.alive.StopChan():
	}
}

// ParseURL extracts host:port from a tcp:// channel URL.
func ParseURL(s string) (string, error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", err
	}
	if u.Scheme != "tcp" {
		return "", errors.Errorf("unsupported scheme=%s", u.Scheme)
	}
	return u.Host, nil
}
