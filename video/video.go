// Package video moves JPEG frames from the robot camera to the
// operator display over a dedicated TCP connection. Frames are
// length-prefixed but unsigned: a corrupted frame costs one garbled
// picture, and signing at video bitrates would starve the radio for
// the channels that matter. Freshness beats completeness here, the
// receive side keeps only the latest frame.
package video

import (
	"bufio"
	"encoding/binary"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
)

const (
	DefaultMaxFrame = 1 << 20 // generous bound for 640x480 JPEG
	DefaultFPS      = 10

	lenPrefixSize = 4
)

var (
	ErrFrameTooLarge = fmt.Errorf("video frame exceeds size limit")
	ErrClosing       = fmt.Errorf("video channel is closing")
)

type FrameSource interface {
	Capture() ([]byte, error)
}

type FrameSourceFunc func() ([]byte, error)

func (f FrameSourceFunc) Capture() ([]byte, error) { return f() }

type Stat struct {
	FramesSent     expvar.Int
	FramesReceived expvar.Int
	FramesDropped  expvar.Int
	CaptureErrors  expvar.Int
	Oversize       expvar.Int
	Reconnects     expvar.Int

	mu      sync.Mutex
	lastErr string
}

func (s *Stat) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Stat) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// DropRate is dropped/received over the channel lifetime.
func (s *Stat) DropRate() float64 {
	recv := s.FramesReceived.Value()
	if recv == 0 {
		return 0
	}
	return float64(s.FramesDropped.Value()) / float64(recv)
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"sent":%d,"received":%d,"dropped":%d,"drop_rate":%.3f,"capture_errors":%d,"oversize":%d,"reconnects":%d,"last_error":%q}`,
		s.FramesSent.Value(), s.FramesReceived.Value(), s.FramesDropped.Value(),
		s.DropRate(), s.CaptureErrors.Value(), s.Oversize.Value(),
		s.Reconnects.Value(), s.LastError())
}

type Options struct {
	Log  *log2.Log
	Name string
	Mode link.Mode
	URL  string

	FPS      int
	MaxFrame uint32

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration

	// Source makes this end the sender; nil means receiver.
	Source FrameSource
}

// Channel is one end of the video connection, reconnecting like the
// signed channels but carrying raw length-prefixed JPEG.
type Channel struct {
	alive  *alive.Alive
	opt    Options
	stat   Stat
	frames *Mailbox

	lk      sync.Mutex
	current net.Conn
	ll      net.Listener
}

func New(opt Options) (*Channel, error) {
	if opt.Mode != link.ModeDial && opt.Mode != link.ModeListen {
		return nil, errors.Errorf("video=%s invalid mode", opt.Name)
	}
	hostport, err := link.ParseURL(opt.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "video=%s url=%s", opt.Name, opt.URL)
	}
	if opt.Name == "" {
		opt.Name = "video"
	}
	if opt.FPS <= 0 {
		opt.FPS = DefaultFPS
	}
	if opt.MaxFrame == 0 {
		opt.MaxFrame = DefaultMaxFrame
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = link.DefaultConnectTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = link.DefaultWriteTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = link.DefaultReconnectDelay
	}

	c := &Channel{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	c.frames = NewMailbox(&c.stat.FramesDropped)
	if opt.Mode == link.ModeListen {
		if c.ll, err = net.Listen("tcp", hostport); err != nil {
			return nil, errors.Annotatef(err, "video=%s listen %s", opt.Name, hostport)
		}
	}
	if !c.alive.Add(1) {
		return nil, ErrClosing
	}
	if opt.Mode == link.ModeDial {
		go c.runDial(hostport)
	} else {
		go c.runListen()
	}
	return c, nil
}

func (c *Channel) Close() error {
	c.alive.Stop()
	if c.ll != nil {
		_ = c.ll.Close()
	}
	c.lk.Lock()
	conn := c.current
	c.lk.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.alive.Wait()
	c.frames.Close()
	return nil
}

func (c *Channel) Stat() *Stat { return &c.stat }

// Frames is the receive-side consumer interface.
func (c *Channel) Frames() *Mailbox { return c.frames }

func (c *Channel) Addr() string {
	if c.ll == nil {
		return ""
	}
	return c.ll.Addr().String()
}

func (c *Channel) runDial(hostport string) {
	defer c.alive.Done()
	for c.alive.IsRunning() {
		dialer := net.Dialer{Timeout: c.opt.ConnectTimeout}
		conn, err := dialer.Dial("tcp", hostport)
		if err != nil {
			c.opt.Log.Debugf("%s: connect %s err=%v", c.opt.Name, hostport, err)
			c.sleep(c.opt.ReconnectDelay)
			continue
		}
		c.run(conn)
		c.sleep(c.opt.ReconnectDelay)
	}
}

func (c *Channel) runListen() {
	defer c.alive.Done()
	for {
		conn, err := c.ll.Accept()
		if !c.alive.IsRunning() {
			return
		}
		if err != nil {
			c.opt.Log.Errorf("%s: accept err=%v", c.opt.Name, err)
			c.sleep(c.opt.ReconnectDelay)
			continue
		}
		if !c.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go func() {
			defer c.alive.Done()
			c.run(conn)
		}()
	}
}

func (c *Channel) run(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetLinger(0)
	}
	c.swapCurrent(conn)
	c.stat.Reconnects.Add(1)
	c.opt.Log.Infof("%s: connected remote=%s", c.opt.Name, conn.RemoteAddr().String())

	var err error
	if c.opt.Source != nil {
		err = c.sendLoop(conn)
	} else {
		err = c.recvLoop(conn)
	}
	if err != nil && errors.Cause(err) != ErrClosing {
		c.stat.setErr(err)
		c.opt.Log.Debugf("%s: stream err=%v", c.opt.Name, err)
	}
	_ = conn.Close()
	c.dropCurrent(conn)
}

func (c *Channel) sendLoop(conn net.Conn) error {
	tmr := time.NewTicker(time.Second / time.Duration(c.opt.FPS))
	defer tmr.Stop()
	stopch := c.alive.StopChan()
	hdr := make([]byte, lenPrefixSize)
	for {
		select {
		case <-tmr.C:
		case <-stopch:
			return ErrClosing
		}
		frame, err := c.opt.Source.Capture()
		if err != nil {
			// camera hiccups are not link faults: skip the tick
			c.stat.CaptureErrors.Add(1)
			c.opt.Log.Debugf("%s: capture err=%v", c.opt.Name, err)
			continue
		}
		if len(frame) == 0 {
			continue
		}
		if uint32(len(frame)) > c.opt.MaxFrame {
			c.stat.Oversize.Add(1)
			c.opt.Log.Errorf("%s: frame size=%d exceeds max=%d", c.opt.Name, len(frame), c.opt.MaxFrame)
			continue
		}
		binary.BigEndian.PutUint32(hdr, uint32(len(frame)))
		if err = conn.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout)); err != nil {
			return errors.Trace(err)
		}
		if _, err = conn.Write(hdr); err != nil {
			return errors.Trace(err)
		}
		if _, err = conn.Write(frame); err != nil {
			return errors.Trace(err)
		}
		c.stat.FramesSent.Add(1)
	}
}

func (c *Channel) recvLoop(conn net.Conn) error {
	r := bufio.NewReaderSize(conn, 64<<10)
	hdr := make([]byte, lenPrefixSize)
	for c.alive.IsRunning() {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return errors.Trace(err)
		}
		n := binary.BigEndian.Uint32(hdr)
		// bound check before allocating: a desynced or malicious
		// stream must not balloon memory
		if n == 0 || n > c.opt.MaxFrame {
			c.stat.Oversize.Add(1)
			return errors.Annotatef(ErrFrameTooLarge, "size=%d max=%d", n, c.opt.MaxFrame)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return errors.Trace(err)
		}
		c.frames.Put(frame)
		c.stat.FramesReceived.Add(1)
	}
	return ErrClosing
}

func (c *Channel) swapCurrent(conn net.Conn) {
	c.lk.Lock()
	old := c.current
	c.current = conn
	c.lk.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *Channel) dropCurrent(conn net.Conn) {
	c.lk.Lock()
	if c.current == conn {
		c.current = nil
	}
	c.lk.Unlock()
}

func (c *Channel) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-c.alive.StopChan():
	}
}
