// Package serial implements the host-side half of the serial transport
// contract the bootloader protocol driver is built against: open a
// Linux tty with a fixed 8-E-1 raw configuration and a bounded baud set,
// read and write exact byte counts, and toggle DTR.
//
// Adapted from github.com/daedaluz/goserial's termios/ioctl plumbing,
// trimmed to the subset AN3155 programming needs: no PTY, RS485, SPI,
// line-discipline, or custom-speed (BOTHER) surface, since nothing in
// this tool ever opens those.
package serial

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
)

// ReadTimeout is the fixed short-read timeout from the concurrency
// model: a read that cannot make progress within this window fails
// rather than blocking forever. Equivalent to POSIX termios VMIN=0,
// VTIME=5.
const ReadTimeout = 500 * time.Millisecond

// AllowedBauds is the fixed set of baud rates the CLI may request.
var AllowedBauds = []int{1200, 1800, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400}

var baudToCflag = map[int]cflag{
	1200:   b1200,
	1800:   b1800,
	2400:   b2400,
	4800:   b4800,
	9600:   b9600,
	19200:  b19200,
	38400:  b38400,
	57600:  b57600,
	115200: b115200,
	230400: b230400,
}

// ValidBaud reports whether baud is one of AllowedBauds.
func ValidBaud(baud int) bool {
	_, ok := baudToCflag[baud]
	return ok
}

// Port is an opened serial line, exclusively owned by its one caller
// for its lifetime (see the concurrency model: no locking, because no
// concurrency is ever allowed on a Port).
type Port struct {
	fd     int
	closed atomic.Bool
}

// Open opens device at baud with 8 data bits, even parity, one stop
// bit, and raw mode, per the transport contract. baud must be one of
// AllowedBauds.
func Open(device string, baud int) (*Port, error) {
	cf, ok := baudToCflag[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud %d", baud)
	}
	fd, err := syscall.Open(device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	p := &Port{fd: fd}

	t := &termios{}
	if err := ioctl.Ioctl(uintptr(fd), tcgets, uintptr(unsafe.Pointer(t))); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	t.makeRaw()
	t.Cflag &^= cbaud
	t.Cflag |= cf
	t.Cflag &^= csize
	t.Cflag |= cs8
	t.Cflag |= parenb
	t.Cflag &^= parodd
	t.Cflag &^= cstopb
	t.Cflag |= cread | clocal
	t.Cc[vmin] = 0
	t.Cc[vtime] = 5 // deciseconds -> 500ms, matching ReadTimeout

	if err := ioctl.Ioctl(uintptr(fd), tcsets, uintptr(unsafe.Pointer(t))); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	// Drop O_NONBLOCK now that VMIN/VTIME govern read blocking; keeping
	// it only for Open avoids hanging on a line with no DCD/CTS wiring.
	flags, err := syscall.FcntlInt(uintptr(fd), syscall.F_GETFL, 0)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if _, err := syscall.FcntlInt(uintptr(fd), syscall.F_SETFL, flags&^syscall.O_NONBLOCK); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	return p, nil
}

// ReadExact reads exactly len(buf) bytes. A read that returns fewer
// bytes than requested within ReadTimeout is a short read and fails;
// there is no retry beyond accumulating bytes that continue to arrive
// inside the same call.
func (p *Port) ReadExact(buf []byte) error {
	if p.closed.Load() {
		return syscall.EBADF
	}
	got := 0
	for got < len(buf) {
		if err := poll.WaitInput(p.fd, ReadTimeout); err != nil {
			return err
		}
		n, err := syscall.Read(p.fd, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read: got %d of %d bytes", got, len(buf))
		}
		got += n
	}
	return nil
}

// WriteAll writes every byte of buf, blocking until the kernel has
// accepted all of it.
func (p *Port) WriteAll(buf []byte) error {
	if p.closed.Load() {
		return syscall.EBADF
	}
	written := 0
	for written < len(buf) {
		n, err := syscall.Write(p.fd, buf[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// SetDTR asserts or deasserts the DTR modem control line.
func (p *Port) SetDTR(on bool) error {
	if p.closed.Load() {
		return syscall.EBADF
	}
	line := uint32(tiocmDTR)
	if on {
		return ioctl.Ioctl(uintptr(p.fd), tiocmbis, uintptr(unsafe.Pointer(&line)))
	}
	return ioctl.Ioctl(uintptr(p.fd), tiocmbic, uintptr(unsafe.Pointer(&line)))
}

// Close releases the underlying file descriptor. Close is idempotent.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return syscall.Close(p.fd)
}
