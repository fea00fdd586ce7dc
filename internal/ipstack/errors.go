package ipstack

import "errors"

var (
	ErrShortPacket       = errors.New("ipstack: packet shorter than header")
	ErrUnsupportedVersion = errors.New("ipstack: unsupported IP version")
	ErrBadHeaderLength   = errors.New("ipstack: header length exceeds packet")
	ErrBadTotalLength    = errors.New("ipstack: total length exceeds packet")
	ErrChecksumMismatch  = errors.New("ipstack: header checksum mismatch")
	ErrFragmented        = errors.New("ipstack: fragmentation not supported")
	ErrNoRoute           = errors.New("ipstack: no route to destination")
	ErrNoSourceAddr      = errors.New("ipstack: source address required for limited broadcast")
	ErrMTUExceeded       = errors.New("ipstack: datagram exceeds device MTU")
	ErrProtocolRegistered = errors.New("ipstack: protocol already registered")
	ErrWrongInterfaceSrc = errors.New("ipstack: source address does not match outgoing interface")
)
