package protocol

import "errors"

const (
	ack  = 0x79
	nack = 0x1F
)

// errNACK is the sentinel a frame helper returns when the target
// answers a frame with NACK (or anything other than ACK) rather than a
// transport failure. Callers translate it into the operation-specific
// stmerr.Kind.
var errNACK = errors.New("bootloader NACK")

// xorChecksum folds every byte of buf into a single XOR accumulator,
// matching the "running checksum" construction from §4.2.1: the
// checksum byte equals the XOR of every other byte in the frame
// region, including length prefixes and padding fillers.
func xorChecksum(buf []byte) byte {
	var chk byte
	for _, b := range buf {
		chk ^= b
	}
	return chk
}

// Transport is the byte-level contract the protocol driver is built
// against (§6): exact-length blocking read/write plus a DTR toggle.
// internal/serial.Port implements it; tests use an in-memory mock.
type Transport interface {
	ReadExact(buf []byte) error
	WriteAll(buf []byte) error
	SetDTR(on bool) error
}

func (s *Session) readByte() (byte, error) {
	buf := make([]byte, 1)
	if err := s.transport.ReadExact(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *Session) readAck() error {
	b, err := s.readByte()
	if err != nil {
		return err
	}
	if b == ack {
		return nil
	}
	return errNACK
}

// twoByteComplementFrame sends {b, ^b} and awaits ACK -- the command
// frame shape from §4.2.1, reused verbatim by READ_MEM's length
// specifier in §4.2.6.
func (s *Session) twoByteComplementFrame(b byte) error {
	if err := s.transport.WriteAll([]byte{b, ^b}); err != nil {
		return err
	}
	return s.readAck()
}

func (s *Session) sendCommandFrame(opcode byte) error {
	return s.twoByteComplementFrame(opcode)
}

// sendAddressFrame sends addr big-endian followed by its XOR checksum
// and awaits ACK. addr must be 4-byte aligned per every invariant that
// touches write/read/go addressing.
func (s *Session) sendAddressFrame(addr uint32) error {
	buf := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	chk := xorChecksum(buf)
	if err := s.transport.WriteAll(append(buf, chk)); err != nil {
		return err
	}
	return s.readAck()
}

const maxWriteBlock = 256

// sendDataBlockFrame sends the write-block frame from §4.2.1: a
// length byte N = (size+pad)-1, the payload, pad 0xFF fillers up to a
// multiple of 4, then the XOR checksum over {N, payload, fillers}.
func (s *Session) sendDataBlockFrame(data []byte) error {
	size := len(data)
	pad := (4 - size%4) % 4
	n := byte(size + pad - 1)

	frame := make([]byte, 0, 1+size+pad+1)
	frame = append(frame, n)
	frame = append(frame, data...)
	for i := 0; i < pad; i++ {
		frame = append(frame, 0xFF)
	}
	chk := xorChecksum(frame)
	frame = append(frame, chk)

	if err := s.transport.WriteAll(frame); err != nil {
		return err
	}
	return s.readAck()
}
