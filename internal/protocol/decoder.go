package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/prxssh/syncfast/internal/digest"
)

// Decoder incrementally parses Messages out of a growing byte buffer. It
// mirrors original_source's Parser/Messages/View split: bytes accumulate in
// buf, and Next consumes exactly the bytes of one fully-buffered message,
// leaving a short trailing frame untouched for the next Feed. It is not
// safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes to the decoder's buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next fully-buffered Message. When the buffered bytes
// don't yet contain a complete frame, it returns (nil, nil): per spec.md
// §7, short input is "need more data", not an error.
func (d *Decoder) Next() (*Message, error) {
	v := &view{buf: d.buf}

	cmdLine, ok, err := v.readLine(CommandMax)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	msg := &Message{Command: Command(cmdLine)}

	switch msg.Command {
	case CmdFile:
		path, ok, err := v.readLine(FilenameMax)
		if err != nil || !ok {
			return nil, err
		}
		tsLine, ok, err := v.readLine(SizeMax)
		if err != nil || !ok {
			return nil, err
		}
		ts, err := strconv.ParseInt(string(tsLine), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("protocol: FILE timestamp: %w", ErrMalformedField)
		}
		msg.Path = string(path)
		msg.MTime = time.Unix(ts, 0).UTC()

	case CmdBlock:
		d1, ok, err := v.readDigestLine()
		if err != nil || !ok {
			return nil, err
		}
		sizeLine, ok, err := v.readLine(SizeMax)
		if err != nil || !ok {
			return nil, err
		}
		size, err := strconv.ParseInt(string(sizeLine), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("protocol: BLOCK size: %w", ErrMalformedField)
		}
		msg.Digest = d1
		msg.Size = size

	case CmdEndFiles, CmdEnd:
		// no further fields

	case CmdData:
		d1, ok, err := v.readDigestLine()
		if err != nil || !ok {
			return nil, err
		}
		lenLine, ok, err := v.readLine(SizeMax)
		if err != nil || !ok {
			return nil, err
		}
		n, err := strconv.ParseInt(string(lenLine), 10, 64)
		if err != nil || n < 0 || n > MaxDataSize {
			return nil, fmt.Errorf("protocol: DATA length: %w", ErrMalformedField)
		}
		data, ok, err := v.readRaw(int(n))
		if err != nil || !ok {
			return nil, err
		}
		msg.Digest = d1
		msg.Data = append([]byte(nil), data...)

	case CmdReqBlock:
		d1, ok, err := v.readDigestLine()
		if err != nil || !ok {
			return nil, err
		}
		msg.Digest = d1

	default:
		return nil, fmt.Errorf("protocol: %w: %q", ErrUnknownCommand, msg.Command)
	}

	d.buf = d.buf[v.pos:]
	return msg, nil
}

// view tracks a read cursor into a Decoder's buffer, the way
// original_source's View<u8> does, without copying the underlying bytes.
type view struct {
	buf []byte
	pos int
}

// readLine scans for the next '\n' within maxSize+1 bytes of the cursor,
// mirroring original_source's read_line: returns the line with the
// terminator consumed but not included. ok=false, err=nil means the buffer
// doesn't yet hold a full line and more input is needed.
func (v *view) readLine(maxSize int) (line []byte, ok bool, err error) {
	remaining := v.buf[v.pos:]

	limit := maxSize + 1
	if limit > len(remaining) {
		limit = len(remaining)
	}

	if idx := bytes.IndexByte(remaining[:limit], '\n'); idx >= 0 {
		v.pos += idx + 1
		return remaining[:idx], true, nil
	}
	if len(remaining) > maxSize {
		return nil, false, fmt.Errorf("protocol: line exceeds %d bytes: %w", maxSize, ErrUnterminatedField)
	}
	return nil, false, nil
}

// readDigestLine reads a fixed digestHexLen-character hex line.
func (v *view) readDigestLine() (digest.Digest, bool, error) {
	line, ok, err := v.readLine(digestHexLen)
	if err != nil || !ok {
		return digest.Digest{}, ok, err
	}
	if len(line) != digestHexLen {
		return digest.Digest{}, false, fmt.Errorf("protocol: digest: %w", ErrMalformedField)
	}
	d, err := digest.Parse(string(line))
	if err != nil {
		return digest.Digest{}, false, fmt.Errorf("protocol: digest: %w: %v", ErrMalformedField, err)
	}
	return d, true, nil
}

// readRaw consumes exactly n raw bytes followed by a single '\n' — used
// only for DATA's block payload, which may contain arbitrary bytes
// (including embedded newlines) and so cannot be scanned line-by-line.
func (v *view) readRaw(n int) ([]byte, bool, error) {
	remaining := v.buf[v.pos:]
	if len(remaining) < n+1 {
		return nil, false, nil
	}
	if remaining[n] != '\n' {
		return nil, false, fmt.Errorf("protocol: DATA payload missing terminator: %w", ErrMalformedField)
	}
	data := remaining[:n]
	v.pos += n + 1
	return data, true, nil
}
