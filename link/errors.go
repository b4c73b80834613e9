package link

import "fmt"

// Frame level errors. All of them kill the connection that produced
// them; none of them are ever presented to payload consumers.
var (
	ErrFrameTooLarge  = fmt.Errorf("frame exceeds size limit")
	ErrFrameTruncated = fmt.Errorf("frame is truncated")
	ErrAuthFailed     = fmt.Errorf("frame authentication failed")
	ErrReplay         = fmt.Errorf("frame sequence replayed")
)

// Channel level errors, all recoverable via reconnect.
var (
	ErrConnectTimeout = fmt.Errorf("connect timeout")
	ErrReadTimeout    = fmt.Errorf("read timeout")
	ErrPeerClosed     = fmt.Errorf("closed by remote")
	ErrClosing        = fmt.Errorf("closing")
	ErrNotConnected   = fmt.Errorf("not connected")
)
