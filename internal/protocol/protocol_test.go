package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/siwastaja/stm32sprog/internal/device"
	"github.com/siwastaja/stm32sprog/internal/image"
	"github.com/siwastaja/stm32sprog/internal/stmerr"
)

// mockTransport is a scripted in-memory Transport: writes are logged,
// reads are served from a pre-queued byte slice. No example repo in
// the pack ships a serial mock; this follows the plain-testing,
// table-driven style the pack's own repos use (e.g.
// NixM0nk3y-openenterprise-bindicator's parse_test.go).
type mockTransport struct {
	writes    [][]byte
	readQueue []byte
	dtrCalls  []bool
}

func (m *mockTransport) WriteAll(buf []byte) error {
	cp := append([]byte(nil), buf...)
	m.writes = append(m.writes, cp)
	return nil
}

func (m *mockTransport) ReadExact(buf []byte) error {
	if len(m.readQueue) < len(buf) {
		return errors.New("mock transport: read past end of script")
	}
	copy(buf, m.readQueue[:len(buf)])
	m.readQueue = m.readQueue[len(buf):]
	return nil
}

func (m *mockTransport) SetDTR(on bool) error {
	m.dtrCalls = append(m.dtrCalls, on)
	return nil
}

func (m *mockTransport) queue(b ...byte) {
	m.readQueue = append(m.readQueue, b...)
}

func newTestSession(tr *mockTransport) *Session {
	s := New(tr, nil)
	s.sleep = func(time.Duration) {} // don't actually pace delays in tests
	return s
}

func TestHandshakeHappyPath(t *testing.T) {
	tr := &mockTransport{}
	tr.queue(ack)
	s := newTestSession(tr)

	if err := s.Handshake(); err != nil {
		t.Fatalf("Handshake() error: %v", err)
	}
	if len(tr.writes) != 1 {
		t.Fatalf("expected exactly one 0x7F send, got %d", len(tr.writes))
	}
	if len(tr.dtrCalls) != 2 || tr.dtrCalls[0] != true || tr.dtrCalls[1] != false {
		t.Fatalf("expected DTR assert then deassert, got %v", tr.dtrCalls)
	}
}

func TestHandshakeRetriesThenSucceeds(t *testing.T) {
	tr := &mockTransport{}
	tr.queue(nack, nack, nack, ack)
	s := newTestSession(tr)

	if err := s.Handshake(); err != nil {
		t.Fatalf("Handshake() error: %v", err)
	}
	if len(tr.writes) != 4 {
		t.Fatalf("expected 4 sends (3 NACKs then ACK), got %d", len(tr.writes))
	}
}

func TestHandshakeExhaustsRetries(t *testing.T) {
	tr := &mockTransport{}
	for i := 0; i < handshakeTries; i++ {
		tr.queue(nack)
	}
	s := newTestSession(tr)

	err := s.Handshake()
	if !stmerr.Is(err, stmerr.NotDetected) {
		t.Fatalf("expected NotDetected, got %v", err)
	}
	if len(tr.writes) != handshakeTries {
		t.Fatalf("expected %d sends, got %d", handshakeTries, len(tr.writes))
	}
}

func TestGetVersionAndGetIDMediumDensity(t *testing.T) {
	tr := &mockTransport{}
	// GET_VERSION: ACK, then {count=0x0B, version=0x22, 11 opcodes}, ACK
	tr.queue(ack)
	tr.queue(0x0B, 0x22, 0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x43, 0x63, 0x73, 0x82, 0x92)
	tr.queue(ack)
	// GET_ID: ACK, length=1, id=0x0410, ACK
	tr.queue(ack)
	tr.queue(0x01, 0x04, 0x10)
	tr.queue(ack)

	s := newTestSession(tr)
	if err := s.GetVersion(); err != nil {
		t.Fatalf("GetVersion() error: %v", err)
	}
	if err := s.GetID(); err != nil {
		t.Fatalf("GetID() error: %v", err)
	}

	p := s.Params()
	if p.FlashEnd != 0x0802_0000 {
		t.Fatalf("FlashEnd = %#x, want 0x0802_0000", p.FlashEnd)
	}
	if p.PageSize != 1024 {
		t.Fatalf("PageSize = %d, want 1024", p.PageSize)
	}
	if p.BootloaderVersion != 0x22 {
		t.Fatalf("BootloaderVersion = %#x, want 0x22", p.BootloaderVersion)
	}
	if !p.SupportedCommands.Has(device.Erase) {
		t.Fatal("expected ERASE to be marked supported")
	}
}

func TestWriteImageTwoBlocks(t *testing.T) {
	tr := &mockTransport{}
	// WRITE_MEM block 1 (256 bytes): command ack, address ack, data ack
	tr.queue(ack, ack, ack)
	// WRITE_MEM block 2 (44 bytes): command ack, address ack, data ack
	tr.queue(ack, ack, ack)

	s := newTestSession(tr)
	s.params.SupportedCommands.Set(byte(device.WriteMem))

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	img, err := image.NewFromReader(0x0800_0000, data)
	if err != nil {
		t.Fatalf("NewFromReader: %v", err)
	}

	if err := s.WriteImage(img); err != nil {
		t.Fatalf("WriteImage() error: %v", err)
	}

	// 2 blocks * 3 frames each (command, address, data) = 6 writes.
	if len(tr.writes) != 6 {
		t.Fatalf("expected 6 frame writes, got %d", len(tr.writes))
	}

	// First block's data frame: N=0xFF (256 bytes, no padding).
	block1Data := tr.writes[2]
	if block1Data[0] != 0xFF {
		t.Fatalf("block 1 N byte = %#x, want 0xFF", block1Data[0])
	}
	if len(block1Data) != 1+256+1 {
		t.Fatalf("block 1 data frame length = %d, want 258", len(block1Data))
	}

	// Second block's address frame: 0x0800_0100.
	block2Addr := tr.writes[4]
	wantAddr := []byte{0x08, 0x00, 0x01, 0x00}
	for i, b := range wantAddr {
		if block2Addr[i] != b {
			t.Fatalf("block 2 address = % x, want % x", block2Addr[:4], wantAddr)
		}
	}
	if block2Addr[4] != xorChecksum(wantAddr) {
		t.Fatalf("block 2 address checksum = %#x, want %#x", block2Addr[4], xorChecksum(wantAddr))
	}

	// Second block's data frame: 44 bytes, 44%4==0 so pad=0, N=43.
	block2Data := tr.writes[5]
	if block2Data[0] != 43 {
		t.Fatalf("block 2 N byte = %d, want 43", block2Data[0])
	}
	if len(block2Data) != 1+44+1 {
		t.Fatalf("block 2 data frame length = %d, want 46", len(block2Data))
	}
}

func TestEraseThreePagesLegacy(t *testing.T) {
	tr := &mockTransport{}
	tr.queue(ack) // command ack
	tr.queue(ack) // page list ack

	s := newTestSession(tr)
	s.params.SupportedCommands.Set(byte(device.Erase))

	if err := s.ErasePages(0, 3); err != nil {
		t.Fatalf("ErasePages() error: %v", err)
	}

	if len(tr.writes) != 2 {
		t.Fatalf("expected 2 writes (command frame, page list), got %d", len(tr.writes))
	}
	cmd := tr.writes[0]
	if cmd[0] != 0x43 || cmd[1] != 0xBC {
		t.Fatalf("command frame = % x, want 43 bc", cmd)
	}
	pageList := tr.writes[1]
	want := []byte{0x02, 0x00, 0x01, 0x02, 0x01}
	if len(pageList) != len(want) {
		t.Fatalf("page list = % x, want % x", pageList, want)
	}
	for i := range want {
		if pageList[i] != want[i] {
			t.Fatalf("page list = % x, want % x", pageList, want)
		}
	}
}

func TestGlobalExtendedEraseFallback(t *testing.T) {
	tr := &mockTransport{}
	tr.queue(ack)  // EXTENDED_ERASE command ack
	tr.queue(nack) // global erase NACKed
	// fallback: page-by-page extended erase for the full device, ack both frames
	tr.queue(ack, ack)

	s := newTestSession(tr)
	s.params.SupportedCommands.Set(byte(device.ExtendedErase))
	s.params.PageSize = 1024
	s.params.FlashBegin = 0x0800_0000
	s.params.FlashEnd = 0x0800_0000 + 2*1024 // 2 pages total, keeps the test small

	if err := s.EraseAll(); err != nil {
		t.Fatalf("EraseAll() error: %v", err)
	}

	cmd := tr.writes[0]
	if cmd[0] != 0x44 || cmd[1] != 0xBB {
		t.Fatalf("command frame = % x, want 44 bb", cmd)
	}
	global := tr.writes[1]
	want := []byte{0xFF, 0xFF, 0x00}
	for i := range want {
		if global[i] != want[i] {
			t.Fatalf("global erase frame = % x, want % x", global, want)
		}
	}
}

func TestVerifyMismatch(t *testing.T) {
	tr := &mockTransport{}
	tr.queue(ack) // READ_MEM command ack
	tr.queue(ack) // address ack
	tr.queue(ack) // length ack
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = 0xAA
	}
	payload[17] = 0xAB
	tr.queue(payload...)

	s := newTestSession(tr)
	s.params.SupportedCommands.Set(byte(device.ReadMem))

	written := make([]byte, 256)
	for i := range written {
		written[i] = 0xAA
	}
	img, err := image.NewFromReader(0, written)
	if err != nil {
		t.Fatalf("NewFromReader: %v", err)
	}

	err = s.VerifyImage(img)
	if !stmerr.Is(err, stmerr.VerifyFailed) {
		t.Fatalf("expected VerifyFailed, got %v", err)
	}
	// Exactly one READ_MEM round trip: command + address + length = 3 writes.
	if len(tr.writes) != 3 {
		t.Fatalf("expected exactly one READ_MEM round trip (3 writes), got %d", len(tr.writes))
	}
}

func TestEraseCommandUnsupported(t *testing.T) {
	tr := &mockTransport{}
	s := newTestSession(tr)
	err := s.ErasePages(0, 1)
	if !stmerr.Is(err, stmerr.CommandUnsupported) {
		t.Fatalf("expected CommandUnsupported, got %v", err)
	}
}

func TestErasePagesNoOpOnZeroCount(t *testing.T) {
	tr := &mockTransport{}
	s := newTestSession(tr)
	if err := s.ErasePages(0, 0); err != nil {
		t.Fatalf("ErasePages(_, 0) error: %v", err)
	}
	if len(tr.writes) != 0 {
		t.Fatalf("expected no I/O for a zero-count erase, got %d writes", len(tr.writes))
	}
}

func TestEraseLegacyCountOutOfRange(t *testing.T) {
	tr := &mockTransport{}
	s := newTestSession(tr)
	s.params.SupportedCommands.Set(byte(device.Erase))
	err := s.ErasePages(0, 257)
	if !stmerr.Is(err, stmerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReadStatusUnsupportedSkipsIO(t *testing.T) {
	tr := &mockTransport{}
	s := newTestSession(tr)
	_, err := s.ReadStatus()
	if !stmerr.Is(err, stmerr.CommandUnsupported) {
		t.Fatalf("expected CommandUnsupported, got %v", err)
	}
	if len(tr.writes) != 0 {
		t.Fatal("expected no I/O when GET_READ_STATUS is unsupported")
	}
}

func TestGoRejectsUnalignedAddress(t *testing.T) {
	tr := &mockTransport{}
	s := newTestSession(tr)
	s.params.SupportedCommands.Set(byte(device.Go))
	err := s.Go(0x0800_0001)
	if !stmerr.Is(err, stmerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
