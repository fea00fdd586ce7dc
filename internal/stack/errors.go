package stack

import "errors"

var (
	ErrUnknownDeviceType = errors.New("stack: unknown device type")
	ErrTapPeerNotFound   = errors.New("stack: tap peer device not found")
	ErrTapPeerWrongType  = errors.New("stack: tap peer is not a tap device")
)
