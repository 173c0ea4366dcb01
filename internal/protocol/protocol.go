// Package protocol drives the AN3155 ROM bootloader's command protocol
// over a Transport: framing, checksums, handshake, device discovery,
// erase, write, verify, and go.
//
// Grounded on mbrukner-FoenixMgrGo/pkg/protocol's DebugPort: a single
// struct wrapping a connection and device parameters, with one
// chokepoint method (there "transfer", here the frame helpers in
// wire.go) that every higher-level command routes through, and
// time.Sleep pacing after erase/program commands.
package protocol

import (
	"encoding/binary"
	"time"

	"github.com/siwastaja/stm32sprog/internal/device"
	"github.com/siwastaja/stm32sprog/internal/image"
	"github.com/siwastaja/stm32sprog/internal/stmerr"
)

const (
	dtrPulseDelay  = 10 * time.Millisecond
	handshakeTries = 11 // 1 initial send + up to 10 retries
)

const (
	maxLegacyPages   = 256
	maxExtendedPages = 0xFFF0
)

// Progress receives best-effort notifications from a running session
// so the driver never touches a terminal or logger directly. All
// methods are optional to implement meaningfully; a nil Progress is
// valid.
type Progress interface {
	OnPhase(phase string)
	OnBlock(done, total int)
	OnVerifyMismatch(offset uint32, want, got byte)
}

// Session is a stateful bootloader session over a Transport, holding
// the resolved device Parameters once discovery has run. The zero
// value is not usable; construct with New.
type Session struct {
	transport Transport
	progress  Progress
	sleep     func(time.Duration)

	params device.Parameters
}

// New wraps transport in a Session with pre-discovery default
// parameters (§3). progress may be nil.
func New(transport Transport, progress Progress) *Session {
	return &Session{
		transport: transport,
		progress:  progress,
		sleep:     time.Sleep,
		params:    device.Default(),
	}
}

// Params returns the session's current (possibly pre-discovery)
// device parameters.
func (s *Session) Params() device.Parameters { return s.params }

func (s *Session) notify(phase string) {
	if s.progress != nil {
		s.progress.OnPhase(phase)
	}
}

func kindErr(kind stmerr.Kind, op string, err error) error {
	return stmerr.New(kind, op, err)
}

// Handshake performs the autobaud sequence from §4.2.2: a DTR pulse
// followed by up to 11 attempts to send 0x7F and receive ACK.
func (s *Session) Handshake() error {
	s.notify("handshake")
	if err := s.transport.SetDTR(true); err != nil {
		return kindErr(stmerr.Transport, "assert DTR", err)
	}
	s.sleep(dtrPulseDelay)
	if err := s.transport.SetDTR(false); err != nil {
		return kindErr(stmerr.Transport, "deassert DTR", err)
	}
	s.sleep(dtrPulseDelay)

	for i := 0; i < handshakeTries; i++ {
		if err := s.transport.WriteAll([]byte{0x7F}); err != nil {
			return kindErr(stmerr.Transport, "send autobaud byte", err)
		}
		b, err := s.readByte()
		if err == nil && b == ack {
			return nil
		}
	}
	return kindErr(stmerr.NotDetected, "autobaud handshake", nil)
}

// GetVersion issues GET_VERSION (§4.2.3) and populates the session's
// bootloader version and supported-command set.
func (s *Session) GetVersion() error {
	s.notify("get-version")
	if err := s.sendCommandFrame(byte(device.GetVersion)); err != nil {
		return kindErr(stmerr.Transport, "GET_VERSION command", err)
	}
	hdr := make([]byte, 2)
	if err := s.transport.ReadExact(hdr); err != nil {
		return kindErr(stmerr.Transport, "GET_VERSION header", err)
	}
	n := hdr[0]
	version := hdr[1]
	opcodes := make([]byte, n)
	if err := s.transport.ReadExact(opcodes); err != nil {
		return kindErr(stmerr.Transport, "GET_VERSION opcode list", err)
	}
	if err := s.readAck(); err != nil {
		return kindErr(stmerr.Transport, "GET_VERSION trailing ack", err)
	}
	var cs device.CommandSet
	for _, op := range opcodes {
		cs.Set(op)
	}
	s.params.BootloaderVersion = version
	s.params.SupportedCommands = cs
	return nil
}

// GetID issues GET_ID (§4.2.3), resolves the product ID against the
// device table, and replaces the session's Parameters wholesale
// (preserving the version/commands GetVersion already discovered).
func (s *Session) GetID() error {
	s.notify("get-id")
	if err := s.sendCommandFrame(byte(device.GetID)); err != nil {
		return kindErr(stmerr.Transport, "GET_ID command", err)
	}
	lenByte, err := s.readByte()
	if err != nil {
		return kindErr(stmerr.Transport, "GET_ID length byte", err)
	}
	if lenByte != 1 {
		return kindErr(stmerr.UnsupportedDevice, "GET_ID reported unexpected id length", nil)
	}
	idBytes := make([]byte, 2)
	if err := s.transport.ReadExact(idBytes); err != nil {
		return kindErr(stmerr.Transport, "GET_ID product id", err)
	}
	if err := s.readAck(); err != nil {
		return kindErr(stmerr.Transport, "GET_ID trailing ack", err)
	}
	productID := binary.BigEndian.Uint16(idBytes)
	params, ok := device.Lookup(productID, s.params.BootloaderVersion, s.params.SupportedCommands)
	if !ok {
		return kindErr(stmerr.UnsupportedDevice, "unknown product id", nil)
	}
	s.params = params
	s.notify("discovered " + params.Name)
	return nil
}

func (s *Session) selectEraseOpcode() (device.Opcode, error) {
	if s.params.SupportedCommands.Has(device.Erase) {
		return device.Erase, nil
	}
	if s.params.SupportedCommands.Has(device.ExtendedErase) {
		return device.ExtendedErase, nil
	}
	return 0, kindErr(stmerr.CommandUnsupported, "no erase command advertised", nil)
}

// ErasePages erases count pages starting at first (§4.2.4). count=0
// is a no-op success. The legacy/extended choice follows whichever
// opcode the device advertises, legacy preferred.
func (s *Session) ErasePages(first, count uint32) error {
	if count == 0 {
		return nil
	}
	s.notify("erase")
	op, err := s.selectEraseOpcode()
	if err != nil {
		return err
	}
	switch op {
	case device.Erase:
		if count > maxLegacyPages {
			return kindErr(stmerr.InvalidArgument, "legacy erase page count out of range", nil)
		}
		return s.eraseLegacyPages(first, count)
	default:
		if count > maxExtendedPages {
			return kindErr(stmerr.InvalidArgument, "extended erase page count out of range", nil)
		}
		return s.eraseExtendedPages(first, count)
	}
}

func (s *Session) eraseLegacyPages(first, count uint32) error {
	if err := s.sendCommandFrame(byte(device.Erase)); err != nil {
		return kindErr(stmerr.EraseFailed, "ERASE command", err)
	}
	buf := make([]byte, 0, 2+count)
	buf = append(buf, byte(count-1))
	for i := uint32(0); i < count; i++ {
		buf = append(buf, byte(first+i))
	}
	chk := xorChecksum(buf)
	if err := s.transport.WriteAll(append(buf, chk)); err != nil {
		return kindErr(stmerr.Transport, "ERASE page list", err)
	}
	if err := s.readAck(); err != nil {
		return kindErr(stmerr.EraseFailed, "ERASE page list", err)
	}
	return nil
}

func (s *Session) eraseExtendedPages(first, count uint32) error {
	if err := s.sendCommandFrame(byte(device.ExtendedErase)); err != nil {
		return kindErr(stmerr.EraseFailed, "EXTENDED_ERASE command", err)
	}
	buf := make([]byte, 0, 2+2*count)
	c := count - 1
	buf = append(buf, byte(c>>8), byte(c))
	for i := uint32(0); i < count; i++ {
		p := first + i
		buf = append(buf, byte(p>>8), byte(p))
	}
	chk := xorChecksum(buf)
	if err := s.transport.WriteAll(append(buf, chk)); err != nil {
		return kindErr(stmerr.Transport, "EXTENDED_ERASE page list", err)
	}
	if err := s.readAck(); err != nil {
		return kindErr(stmerr.EraseFailed, "EXTENDED_ERASE page list", err)
	}
	return nil
}

func (s *Session) eraseGlobal(op device.Opcode) error {
	if err := s.sendCommandFrame(byte(op)); err != nil {
		return err
	}
	var payload []byte
	switch op {
	case device.Erase:
		// ST's documented quirk: the legacy global-erase checksum is
		// the fixed byte 0x00, not the XOR of the 0xFF count byte.
		payload = []byte{0xFF, 0x00}
	default:
		payload = []byte{0xFF, 0xFF, xorChecksum([]byte{0xFF, 0xFF})}
	}
	if err := s.transport.WriteAll(payload); err != nil {
		return err
	}
	return s.readAck()
}

// EraseAll erases the entire Flash (§4.2.4). It attempts the global
// form of whichever erase command the device advertises; on NACK it
// falls back to erasing every page individually (the stmErase
// behavior, per the spec's Open Question resolution).
func (s *Session) EraseAll() error {
	s.notify("erase-all")
	op, err := s.selectEraseOpcode()
	if err != nil {
		return err
	}
	err = s.eraseGlobal(op)
	if err == nil {
		s.sleep(time.Duration(s.params.EraseDelay) * time.Microsecond)
		return nil
	}
	if err != errNACK {
		return kindErr(stmerr.Transport, "global erase", err)
	}
	return s.ErasePages(0, s.params.PageCount())
}

// WriteImage streams img in bounded blocks via WRITE_MEM (§4.2.5).
func (s *Session) WriteImage(img *image.SparseImage) error {
	if !s.params.SupportedCommands.Has(device.WriteMem) {
		return kindErr(stmerr.CommandUnsupported, "WRITE_MEM not advertised", nil)
	}
	s.notify("write")
	img.Rewind()
	total := int(img.TotalSize())
	done := 0
	for {
		off, ok := img.CursorOffset()
		if !ok {
			break
		}
		chunk := img.Read(maxWriteBlock)
		if chunk == nil {
			break
		}
		if off%4 != 0 {
			return kindErr(stmerr.InvalidArgument, "write address not 4-byte aligned", nil)
		}
		if err := s.writeChunk(uint32(off), chunk); err != nil {
			return err
		}
		done += len(chunk)
		if s.progress != nil {
			s.progress.OnBlock(done, total)
		}
	}
	return nil
}

func (s *Session) writeChunk(addr uint32, data []byte) error {
	if err := s.sendCommandFrame(byte(device.WriteMem)); err != nil {
		return kindErr(stmerr.WriteFailed, "WRITE_MEM command", err)
	}
	if err := s.sendAddressFrame(addr); err != nil {
		return kindErr(stmerr.WriteFailed, "WRITE_MEM address", err)
	}
	if err := s.sendDataBlockFrame(data); err != nil {
		return kindErr(stmerr.WriteFailed, "WRITE_MEM data block", err)
	}
	s.sleep(time.Duration(s.params.WriteDelay) * time.Microsecond)
	return nil
}

// VerifyImage reads back every block of img via READ_MEM and compares
// it byte-for-byte (§4.2.6).
func (s *Session) VerifyImage(img *image.SparseImage) error {
	if !s.params.SupportedCommands.Has(device.ReadMem) {
		return kindErr(stmerr.CommandUnsupported, "READ_MEM not advertised", nil)
	}
	s.notify("verify")
	img.Rewind()
	for {
		off, ok := img.CursorOffset()
		if !ok {
			break
		}
		chunk := img.Read(maxWriteBlock)
		if chunk == nil {
			break
		}
		got, err := s.readChunk(uint32(off), len(chunk))
		if err != nil {
			return err
		}
		for i := range chunk {
			if chunk[i] != got[i] {
				if s.progress != nil {
					s.progress.OnVerifyMismatch(uint32(off)+uint32(i), chunk[i], got[i])
				}
				return kindErr(stmerr.VerifyFailed, "readback mismatch", nil)
			}
		}
	}
	return nil
}

func (s *Session) readChunk(addr uint32, size int) ([]byte, error) {
	if err := s.sendCommandFrame(byte(device.ReadMem)); err != nil {
		return nil, kindErr(stmerr.Transport, "READ_MEM command", err)
	}
	if err := s.sendAddressFrame(addr); err != nil {
		return nil, kindErr(stmerr.Transport, "READ_MEM address", err)
	}
	if err := s.twoByteComplementFrame(byte(size - 1)); err != nil {
		return nil, kindErr(stmerr.Transport, "READ_MEM length", err)
	}
	buf := make([]byte, size)
	if err := s.transport.ReadExact(buf); err != nil {
		return nil, kindErr(stmerr.Transport, "READ_MEM payload", err)
	}
	return buf, nil
}

// ReadStatus issues GET_READ_STATUS (0x01), a supplemented diagnostic
// the original tool calls opportunistically after a failed write. It
// never drives control flow elsewhere in this package.
func (s *Session) ReadStatus() (byte, error) {
	if !s.params.SupportedCommands.Has(device.GetReadStatus) {
		return 0, kindErr(stmerr.CommandUnsupported, "GET_READ_STATUS not advertised", nil)
	}
	if err := s.sendCommandFrame(byte(device.GetReadStatus)); err != nil {
		return 0, kindErr(stmerr.Transport, "GET_READ_STATUS command", err)
	}
	b, err := s.readByte()
	if err != nil {
		return 0, kindErr(stmerr.Transport, "GET_READ_STATUS payload", err)
	}
	if err := s.readAck(); err != nil {
		return 0, kindErr(stmerr.Transport, "GET_READ_STATUS trailing ack", err)
	}
	return b, nil
}

// Go issues GO at addr (§4.2.7), leaving the bootloader. Any further
// bus activity after a successful Go is undefined.
func (s *Session) Go(addr uint32) error {
	if !s.params.SupportedCommands.Has(device.Go) {
		return kindErr(stmerr.CommandUnsupported, "GO not advertised", nil)
	}
	if addr%4 != 0 {
		return kindErr(stmerr.InvalidArgument, "go address not 4-byte aligned", nil)
	}
	s.notify("go")
	if err := s.sendCommandFrame(byte(device.Go)); err != nil {
		return kindErr(stmerr.Transport, "GO command", err)
	}
	if err := s.sendAddressFrame(addr); err != nil {
		return kindErr(stmerr.Transport, "GO address", err)
	}
	return nil
}
