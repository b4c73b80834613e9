package link

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/juju/errors"
)

const (
	// LenPrefixSize + SeqSize + TagSize is the smallest valid frame.
	LenPrefixSize = 4
	SeqSize       = 8
	TagSize       = sha256.Size

	MinFrameLen = SeqSize + TagSize

	// DefaultMaxFrame bounds the u32 length before the body is read,
	// a hostile peer must not be able to force large allocations.
	DefaultMaxFrame = 64 << 10

	// SecretSize is the provisioned PSK length.
	SecretSize = 32
)

var errWeakSecret = errors.Errorf("secret must be %d bytes", SecretSize)

// Framer converts payloads to authenticated frames and back. It is
// pure given the secret: sequence bookkeeping belongs to the caller
// (Conn tracks last accepted per direction).
type Framer struct {
	secret []byte
	max    uint32
}

func NewFramer(secret []byte, maxFrame uint32) (*Framer, error) {
	if len(secret) != SecretSize {
		return nil, errWeakSecret
	}
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	if maxFrame < MinFrameLen {
		return nil, errors.Errorf("maxFrame=%d below minimum %d", maxFrame, MinFrameLen)
	}
	f := &Framer{max: maxFrame}
	f.secret = append(f.secret, secret...)
	return f, nil
}

func (f *Framer) MaxFrame() uint32 { return f.max }

// Encode builds length | seq | payload | tag. Length covers
// seq+payload+tag, the tag signs seq+payload.
func (f *Framer) Encode(seq uint64, payload []byte) ([]byte, error) {
	flen := uint64(SeqSize + len(payload) + TagSize)
	if flen > uint64(f.max) {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, LenPrefixSize+flen)
	binary.BigEndian.PutUint32(b[0:], uint32(flen))
	binary.BigEndian.PutUint64(b[LenPrefixSize:], seq)
	copy(b[LenPrefixSize+SeqSize:], payload)
	authEnd := LenPrefixSize + SeqSize + len(payload)
	f.sign(b[LenPrefixSize:authEnd], b[authEnd:authEnd])
	return b, nil
}

// Decode parses a complete frame including the length prefix.
// The payload is only returned after the tag verified; on any error
// the payload is not exposed.
func (f *Framer) Decode(frame []byte) (uint64, []byte, error) {
	if len(frame) < LenPrefixSize {
		return 0, nil, ErrFrameTruncated
	}
	flen := binary.BigEndian.Uint32(frame[0:])
	if flen > f.max {
		return 0, nil, ErrFrameTooLarge
	}
	if flen < MinFrameLen || uint32(len(frame)-LenPrefixSize) != flen {
		return 0, nil, ErrFrameTruncated
	}
	return f.DecodeBody(frame[LenPrefixSize:])
}

// DecodeBody parses seq | payload | tag, i.e. a frame whose length
// prefix was already consumed and bound-checked by the reader.
func (f *Framer) DecodeBody(body []byte) (uint64, []byte, error) {
	if len(body) < MinFrameLen {
		return 0, nil, ErrFrameTruncated
	}
	authEnd := len(body) - TagSize
	var actual [TagSize]byte
	f.sign(body[:authEnd], actual[:0])
	if !hmac.Equal(actual[:], body[authEnd:]) {
		return 0, nil, ErrAuthFailed
	}
	seq := binary.BigEndian.Uint64(body[0:])
	return seq, body[SeqSize:authEnd], nil
}

func (f *Framer) sign(data, dst []byte) []byte {
	h := hmac.New(sha256.New, f.secret)
	_, _ = h.Write(data)
	return h.Sum(dst)
}

// SelfTest is a local diagnostic for the psk_valid flag: the key has
// the right shape and a probe payload survives encode+decode. It says
// nothing about the peer holding the same key.
func SelfTest(secret []byte) bool {
	f, err := NewFramer(secret, 0)
	if err != nil {
		return false
	}
	probe := []byte("ropelink psk self-test")
	b, err := f.Encode(1, probe)
	if err != nil {
		return false
	}
	seq, payload, err := f.Decode(b)
	return err == nil && seq == 1 && string(payload) == string(probe)
}
