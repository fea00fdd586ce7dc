package stackconfig

import "errors"

var (
	ErrNoDevices       = errors.New("stackconfig: at least one device is required")
	ErrDuplicateDevice = errors.New("stackconfig: duplicate device name")
	ErrUnknownDevice   = errors.New("stackconfig: route references unknown device")
	ErrInvalidMTU      = errors.New("stackconfig: mtu must be positive")
	ErrInvalidType     = errors.New("stackconfig: unknown device type")
	ErrInvalidAddr     = errors.New("stackconfig: invalid address")
	ErrKnobMismatch    = errors.New("stackconfig: knob does not match the compiled-in constant")
)
