package tcpstack

import "errors"

var (
	ErrShortMessage     = errors.New("tcpstack: segment shorter than header")
	ErrBadDataOffset    = errors.New("tcpstack: data offset out of range")
	ErrChecksumMismatch = errors.New("tcpstack: checksum mismatch")
	ErrTableFull        = errors.New("tcpstack: no free PCB")
	ErrInvalidHandle    = errors.New("tcpstack: invalid PCB handle")
	ErrConnectionFailed = errors.New("tcpstack: connection failed")
	ErrNotConnected     = errors.New("tcpstack: PCB not in established state")
	ErrActiveOpenNeedsForeign = errors.New("tcpstack: active open requires a foreign endpoint")
)
