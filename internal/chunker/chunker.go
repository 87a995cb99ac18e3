// Package chunker implements content-defined splitting of a byte stream
// into variable-size blocks, the way original_source's cdchunking::ZPAQ
// splitter does: a rolling predicate that declares a boundary once the low
// Bits bits of a rolling hash over a fixed window are zero, with a hard cap so no single
// block can exceed MaxSize regardless of content.
//
// A third-party Rabin-fingerprint CDC library (github.com/restic/chunker,
// present elsewhere in this lineage) was evaluated first; its minimum and
// maximum chunk sizes are fixed package constants with no way to reach the
// small block sizes this system's own test fixtures use, so the predicate
// is implemented directly here instead. See DESIGN.md.
package chunker

import (
	"bufio"
	"io"
	"os"
)

const (
	// DefaultBits sets the average block size to 2^DefaultBits bytes.
	DefaultBits = 20

	// MaxBlockSize bounds a single block regardless of the content-defined
	// predicate, to cap memory use and the wire frame size of a DATA
	// message.
	MaxBlockSize = 1 << 20
)

// Config parameterizes the content-defined predicate.
type Config struct {
	// Bits is ZPAQ_BITS: a boundary is declared once the low Bits bits of
	// the rolling hash are zero, giving an average block size of 2^Bits
	// bytes.
	Bits uint

	// MaxSize forces a cut regardless of the predicate. Zero means
	// MaxBlockSize.
	MaxSize int
}

// DefaultConfig returns the parameters used when none are given: an average
// block size of 1 MiB, capped at 1 MiB.
func DefaultConfig() Config {
	return Config{Bits: DefaultBits, MaxSize: MaxBlockSize}
}

func (c Config) normalized() Config {
	if c.Bits == 0 || c.Bits > 31 {
		c.Bits = DefaultBits
	}
	if c.MaxSize <= 0 {
		c.MaxSize = MaxBlockSize
	}
	return c
}

// hashMultiplier is a large odd constant, in the spirit of the ZPAQ
// fragmenter's own hash recurrence, used as the base of the polynomial
// rolling hash over the window.
const hashMultiplier = 0xA7F2_3681

// windowSize is how many trailing bytes of the block-in-progress the
// boundary hash covers.
const windowSize = 16

// predicate tracks a rolling hash over the last windowSize bytes of the
// current block-in-progress. A byte stops influencing the hash once it
// leaves the window, which is what gives this scheme its shift-stability: a
// local edit only perturbs boundaries within a window of it, per spec.md §8
// property 7. No boundary is declared before the window has filled, so a
// block cut by the predicate is at least windowSize bytes long.
type predicate struct {
	h         uint32
	mask      uint32
	outFactor uint32 // hashMultiplier^windowSize
}

func newPredicate(bits uint) predicate {
	p := predicate{mask: (uint32(1) << bits) - 1, outFactor: 1}
	for range windowSize {
		p.outFactor *= hashMultiplier
	}
	return p
}

// roll folds the last byte of buf (the block so far) into the hash, drops
// the byte that just left the window, and reports whether this byte
// completes a block.
func (p *predicate) roll(buf []byte) bool {
	n := len(buf)
	p.h = p.h*hashMultiplier + uint32(buf[n-1]) + 1
	if n > windowSize {
		p.h -= (uint32(buf[n-1-windowSize]) + 1) * p.outFactor
	}
	if n < windowSize {
		return false
	}
	return p.h&p.mask == 0
}

// Splitter reads a byte stream and emits successive content-defined blocks.
// It is not safe for concurrent use.
type Splitter struct {
	r   *bufio.Reader
	cfg Config
}

// NewSplitter wraps r, splitting it into blocks per cfg.
func NewSplitter(r io.Reader, cfg Config) *Splitter {
	return &Splitter{r: bufio.NewReaderSize(r, 64*1024), cfg: cfg.normalized()}
}

// Next returns the next block. It returns io.EOF once the stream is
// exhausted; the final non-empty block of a stream is returned with a nil
// error, and only the following call yields io.EOF.
func (s *Splitter) Next() ([]byte, error) {
	pred := newPredicate(s.cfg.Bits)
	buf := make([]byte, 0, min(s.cfg.MaxSize, 64*1024))

	for len(buf) < s.cfg.MaxSize {
		b, err := s.r.ReadByte()
		if err == io.EOF {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		}
		if err != nil {
			return nil, err
		}

		buf = append(buf, b)
		if pred.roll(buf) {
			return buf, nil
		}
	}

	return buf, nil
}

// ReadBlock opens path, seeks to offset, and returns the single next block
// starting there — the contract §4.1 calls read_block(path, offset). A
// zero-length result with a nil error signals that offset was at or past
// the end of the file.
func ReadBlock(path string, offset int64, cfg Config) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	block, err := NewSplitter(f, cfg).Next()
	if err == io.EOF {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	return block, nil
}
