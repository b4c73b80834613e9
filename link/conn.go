package link

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/ascentic/ropelink/helpers"
	"github.com/ascentic/ropelink/log2"
)

// Conn is one authenticated stream. Sequence state is private to the
// connection: send side increments atomically, receive side is owned
// by the single reader goroutine.
type Conn struct {
	err    helpers.AtomicError
	last   atomic_clock.Clock
	framer *Framer
	net    net.Conn
	r      *bufio.Reader
	w      io.Writer
	log    *log2.Log
	stat   *Stat

	sendSeq uint64
	recvSeq uint64 // last accepted, reader goroutine only
}

func newConn(netConn net.Conn, framer *Framer, log *log2.Log, stat *Stat) *Conn {
	c := &Conn{
		framer: framer,
		net:    netConn,
		log:    log,
		stat:   stat,
	}
	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
		_ = tcp.SetNoDelay(true) // latency matters more than throughput
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
	}
	const tcpOverhead = 40
	statread := helpers.NewStatReader(netConn, &stat.BytesRecv, tcpOverhead)
	c.w = helpers.NewStatWriter(netConn, &stat.BytesSent, tcpOverhead)
	c.r = bufio.NewReader(statread)
	c.last.SetNow()
	return c
}

func (c *Conn) Close() error { return c.die(ErrClosing) }

func (c *Conn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

func (c *Conn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *Conn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }

func (c *Conn) String() string {
	return fmt.Sprintf("(remote=%s)", addrString(c.net.RemoteAddr()))
}

// Send delivers exactly one payload as one signed frame.
func (c *Conn) Send(payload []byte, timeout time.Duration) error {
	seq := atomic.AddUint64(&c.sendSeq, 1)
	b, err := c.framer.Encode(seq, payload)
	if err != nil {
		return errors.Annotate(err, "frame encode")
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err = c.net.SetWriteDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetWriteDeadline")
		_ = c.die(err)
		return err
	}
	if err = helpers.WriteAll(c.w, b); err != nil {
		err = errors.Annotate(err, "send")
		_ = c.die(err)
		return err
	}
	c.stat.FramesSent.Add(1)
	return nil
}

// Receive blocks for the next authenticated frame. The length prefix
// is bound-checked before the body is read. Any error is terminal for
// the connection.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.net.SetReadDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetReadDeadline")
		_ = c.die(err)
		return nil, err
	}

	var lenbuf [LenPrefixSize]byte
	if _, err := io.ReadFull(c.r, lenbuf[:]); err != nil {
		err = mapIOError(err)
		_ = c.die(err)
		return nil, err
	}
	flen := binary.BigEndian.Uint32(lenbuf[:])
	if flen > c.framer.MaxFrame() {
		_ = c.die(ErrFrameTooLarge)
		return nil, ErrFrameTooLarge
	}
	if flen < MinFrameLen {
		_ = c.die(ErrFrameTruncated)
		return nil, ErrFrameTruncated
	}

	body := make([]byte, flen)
	if _, err := io.ReadFull(c.r, body); err != nil {
		err = mapIOError(err)
		_ = c.die(err)
		return nil, err
	}

	seq, payload, err := c.framer.DecodeBody(body)
	if err != nil {
		_ = c.die(err)
		return nil, err
	}
	if seq <= c.recvSeq {
		_ = c.die(ErrReplay)
		return nil, ErrReplay
	}
	c.recvSeq = seq
	c.last.SetNow()
	c.stat.FramesRecv.Add(1)
	return payload, nil
}

func (c *Conn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	c.log.Debugf("die +close local=%s remote=%s e=%s",
		addrString(c.net.LocalAddr()), addrString(c.net.RemoteAddr()), estr)
	return e
}

func mapIOError(err error) error {
	cause := errors.Cause(err)
	if cause == io.EOF {
		return ErrPeerClosed
	}
	if cause == io.ErrUnexpectedEOF {
		return ErrFrameTruncated
	}
	if neterr, ok := cause.(net.Error); ok && neterr.Timeout() {
		return ErrReadTimeout
	}
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
