// Package icmpstack implements ICMP Echo/EchoReply, the one ICMP message
// pair this stack answers. Type/code values reuse golang.org/x/net/ipv4's
// ICMPType constants rather than redeclaring the IANA vocabulary, the same
// source pro-bing's own echo prober draws its message types from.
//
// Grounded on original_source/icmp.c's icmp_input/icmp_output shape,
// reusing ipstack's checksum helper in place of a hand-rolled one.
package icmpstack

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/netstackd/internal/addr"
	"github.com/malbeclabs/netstackd/internal/ipstack"
	"github.com/malbeclabs/netstackd/internal/netdev"
)

// HeaderLen is the fixed size of an ICMP Echo/EchoReply header.
const HeaderLen = 8

// TypeEcho and TypeEchoReply are the two ICMP message types this stack
// exchanges, taken from golang.org/x/net/ipv4's ICMPType vocabulary.
var (
	TypeEcho      = uint8(ipv4.ICMPTypeEcho)
	TypeEchoReply = uint8(ipv4.ICMPTypeEchoReply)
)

// ErrShortMessage is returned by Parse when the buffer is too small to
// hold a header.
var ErrShortMessage = errors.New("icmpstack: message shorter than header")

// ErrChecksumMismatch is returned by Parse on a failed checksum.
var ErrChecksumMismatch = errors.New("icmpstack: checksum mismatch")

// Message is a parsed ICMP Echo or EchoReply.
type Message struct {
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16
	Data []byte
}

// Marshal serializes m, computing the ICMP checksum over the whole message.
func (m Message) Marshal() []byte {
	b := make([]byte, HeaderLen+len(m.Data))
	b[0] = m.Type
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[4:6], m.ID)
	binary.BigEndian.PutUint16(b[6:8], m.Seq)
	copy(b[HeaderLen:], m.Data)
	sum := ipstack.FinishChecksum(0, b)
	binary.BigEndian.PutUint16(b[2:4], sum)
	return b
}

// Parse validates and decodes an ICMP Echo/EchoReply message.
func Parse(data []byte) (Message, error) {
	if len(data) < HeaderLen {
		return Message{}, ErrShortMessage
	}
	if ipstack.FinishChecksum(0, data) != 0 {
		return Message{}, ErrChecksumMismatch
	}
	return Message{
		Type: data[0],
		Code: data[1],
		ID:   binary.BigEndian.Uint16(data[4:6]),
		Seq:  binary.BigEndian.Uint16(data[6:8]),
		Data: append([]byte(nil), data[HeaderLen:]...),
	}, nil
}

// Stack answers Echo requests with EchoReply on the received interface's
// unicast address. It has no other state.
type Stack struct {
	log *slog.Logger
	ip  *ipstack.Stack
}

// New constructs a Stack and registers it with ip as the ICMP protocol
// handler.
func New(log *slog.Logger, ip *ipstack.Stack) (*Stack, error) {
	s := &Stack{log: log, ip: ip}
	if err := ip.RegisterProtocol(ipstack.ProtoICMP, s.input); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stack) input(payload []byte, src, dst addr.IPv4, iface *netdev.Interface) {
	msg, err := Parse(payload)
	if err != nil {
		s.log.Debug("icmpstack: dropping invalid message", "err", err)
		metricMessagesIn.WithLabelValues("invalid").Inc()
		return
	}
	if msg.Type != TypeEcho {
		metricMessagesIn.WithLabelValues("ignored").Inc()
		return
	}
	metricMessagesIn.WithLabelValues("echo").Inc()

	reply := Message{
		Type: TypeEchoReply,
		Code: msg.Code,
		ID:   msg.ID,
		Seq:  msg.Seq,
		Data: msg.Data,
	}
	if err := s.ip.Output(ipstack.ProtoICMP, reply.Marshal(), iface.Unicast, src); err != nil {
		s.log.Debug("icmpstack: failed to send reply", "err", err, "dst", src)
		metricMessagesOut.WithLabelValues("error").Inc()
		return
	}
	metricMessagesOut.WithLabelValues("echo_reply").Inc()
}

// SendEcho is the application-facing entry point for issuing an Echo
// request (used by a ping-style client built on this stack rather than by
// the stack's own input path).
func (s *Stack) SendEcho(src, dst addr.IPv4, id, seq uint16, data []byte) error {
	msg := Message{Type: TypeEcho, Code: 0, ID: id, Seq: seq, Data: data}
	return s.ip.Output(ipstack.ProtoICMP, msg.Marshal(), src, dst)
}
