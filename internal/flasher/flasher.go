// Package flasher sequences a bootloader session end to end: open,
// handshake, discover, erase, write, verify, go. It owns the sparse
// image and the protocol Session, and reports progress through the
// protocol package's Progress interface so it never touches a
// terminal or logger directly.
//
// Grounded on the orchestrator sequencing of spec.md §4.3, with the
// phase/callback shape carried over from mbrukner-FoenixMgrGo's
// top-level Flash() driver function.
package flasher

import (
	"os"

	"github.com/siwastaja/stm32sprog/internal/image"
	"github.com/siwastaja/stm32sprog/internal/protocol"
	"github.com/siwastaja/stm32sprog/internal/stmerr"
)

// Format is the firmware file's on-disk encoding. Only Raw is
// implemented; Intel HEX and S-record parsing are out of scope.
type Format int

const (
	Raw Format = iota
)

// Options is the resolved intent of a single flashing run, matching
// the CLI flags in spec.md §6 one-to-one.
type Options struct {
	Device       string
	Baud         int
	FirmwarePath string // empty unless Write is set
	Format       Format
	Erase        bool // -e
	Write        bool // -w
	Verify       bool // -v, only meaningful when Write is set
	Run          bool // -r
}

// Transport is the subset of internal/serial.Port the orchestrator
// needs; satisfied by *serial.Port, mocked in tests.
type Transport interface {
	protocol.Transport
	Close() error
}

// Opener constructs a Transport for a device path and baud rate. In
// production this wraps serial.Open; tests substitute a fake.
type Opener func(devicePath string, baud int) (Transport, error)

// Run executes the sequence from spec.md §4.3 against opener, honoring
// opts. progress may be nil.
func Run(opener Opener, opts Options, progress protocol.Progress) error {
	tr, err := opener(opts.Device, opts.Baud)
	if err != nil {
		return stmerr.New(stmerr.Transport, "open serial port", err)
	}
	defer tr.Close()

	sess := protocol.New(tr, progress)
	if err := sess.Handshake(); err != nil {
		return err
	}
	if err := sess.GetVersion(); err != nil {
		return err
	}
	if err := sess.GetID(); err != nil {
		return err
	}

	var img *image.SparseImage
	if opts.Write {
		img, err = loadImage(opts)
		if err != nil {
			return err
		}
		if opts.Format == Raw {
			img.Shift(int64(sess.Params().FlashBegin))
		}
	}

	if err := runErase(sess, opts, img); err != nil {
		return err
	}

	if opts.Write {
		if err := sess.WriteImage(img); err != nil {
			return err
		}
		if opts.Verify {
			if err := sess.VerifyImage(img); err != nil {
				return err
			}
		}
	}

	if opts.Run {
		if err := sess.Go(sess.Params().FlashBegin); err != nil {
			return err
		}
	}
	return nil
}

func loadImage(opts Options) (*image.SparseImage, error) {
	data, err := os.ReadFile(opts.FirmwarePath)
	if err != nil {
		return nil, stmerr.New(stmerr.File, "read firmware file", err)
	}
	img, err := image.NewFromReader(0, data)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// runErase implements step 3 of spec.md §4.3: an explicit -e with no
// write erases the whole device; a write without -e erases exactly the
// pages the image needs, starting at page 0.
func runErase(sess *protocol.Session, opts Options, img *image.SparseImage) error {
	switch {
	case opts.Erase:
		return sess.EraseAll()
	case opts.Write:
		params := sess.Params()
		pages := params.PagesForSize(img.TotalSize())
		return sess.ErasePages(0, pages)
	default:
		return nil
	}
}
