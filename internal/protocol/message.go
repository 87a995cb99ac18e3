// Package protocol implements the line-plus-length-prefix wire codec used
// between a Source and a Sink running in separate processes (spec.md §4.5).
// Every field of every message is its own newline-terminated line, bounded
// by a per-field maximum, except the raw block bytes of a DATA message,
// which can contain arbitrary bytes (including newlines) and are instead
// read as an explicit decimal length followed by exactly that many bytes
// and a single terminating newline. This framing is carried over field for
// field from original_source's ssh::proto grammar, renamed to the message
// vocabulary of FILE / BLOCK / END_FILES / DATA / REQBLOCK / END.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prxssh/syncfast/internal/digest"
)

// Command is the keyword that opens every message line.
type Command string

const (
	CmdFile     Command = "FILE"
	CmdBlock    Command = "BLOCK"
	CmdEndFiles Command = "END_FILES"
	CmdData     Command = "DATA"
	CmdReqBlock Command = "REQBLOCK"
	CmdEnd      Command = "END"
)

// Per-field maximums, per spec.md §4.5.
const (
	CommandMax  = 20
	FilenameMax = 100
	SizeMax     = 15

	// digestHexLen is the wire length of a Digest rendered as lower-case
	// hex: fixed, so it is both the minimum and maximum.
	digestHexLen = digest.Size * 2

	// MaxDataSize bounds a DATA message's payload. It mirrors
	// chunker.MaxBlockSize; declared separately to avoid protocol
	// importing chunker for a single constant.
	MaxDataSize = 1 << 20
)

var (
	ErrUnterminatedField = errors.New("protocol: unterminated field")
	ErrFieldTooLong      = errors.New("protocol: field exceeds maximum length")
	ErrUnknownCommand    = errors.New("protocol: unknown command")
	ErrMalformedField    = errors.New("protocol: malformed field")
)

// Message is one frame of the wire protocol. Only the fields relevant to
// Command are populated; the rest are zero.
type Message struct {
	Command Command

	Path   string
	MTime  time.Time
	Digest digest.Digest
	Size   int64
	Data   []byte
}

func MessageFile(path string, mtime time.Time) *Message {
	return &Message{Command: CmdFile, Path: path, MTime: mtime.Truncate(time.Second)}
}

func MessageBlock(d digest.Digest, size int64) *Message {
	return &Message{Command: CmdBlock, Digest: d, Size: size}
}

func MessageEndFiles() *Message {
	return &Message{Command: CmdEndFiles}
}

func MessageData(d digest.Digest, data []byte) *Message {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Message{Command: CmdData, Digest: d, Data: cp}
}

func MessageReqBlock(d digest.Digest) *Message {
	return &Message{Command: CmdReqBlock, Digest: d}
}

func MessageEnd() *Message {
	return &Message{Command: CmdEnd}
}

// MarshalBinary renders m as its wire form.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(string(m.Command))
	buf.WriteByte('\n')

	switch m.Command {
	case CmdFile:
		if len(m.Path) > FilenameMax {
			return nil, fmt.Errorf("protocol: marshal FILE: %w", ErrFieldTooLong)
		}
		buf.WriteString(m.Path)
		buf.WriteByte('\n')
		buf.WriteString(strconv.FormatInt(m.MTime.Unix(), 10))
		buf.WriteByte('\n')

	case CmdBlock:
		buf.WriteString(m.Digest.String())
		buf.WriteByte('\n')
		buf.WriteString(strconv.FormatInt(m.Size, 10))
		buf.WriteByte('\n')

	case CmdEndFiles, CmdEnd:
		// no further fields

	case CmdData:
		if len(m.Data) > MaxDataSize {
			return nil, fmt.Errorf("protocol: marshal DATA: %w", ErrFieldTooLong)
		}
		buf.WriteString(m.Digest.String())
		buf.WriteByte('\n')
		buf.WriteString(strconv.Itoa(len(m.Data)))
		buf.WriteByte('\n')
		buf.Write(m.Data)
		buf.WriteByte('\n')

	case CmdReqBlock:
		buf.WriteString(m.Digest.String())
		buf.WriteByte('\n')

	default:
		return nil, fmt.Errorf("protocol: marshal: %w: %q", ErrUnknownCommand, m.Command)
	}

	return buf.Bytes(), nil
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// WriteMessage writes m to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

func (m *Message) String() string {
	switch m.Command {
	case CmdFile:
		return fmt.Sprintf("FILE(%s, %s)", m.Path, m.MTime.Format(time.RFC3339))
	case CmdBlock:
		return fmt.Sprintf("BLOCK(%s, %d)", m.Digest, m.Size)
	case CmdData:
		return fmt.Sprintf("DATA(%s, %d bytes)", m.Digest, len(m.Data))
	case CmdReqBlock:
		return fmt.Sprintf("REQBLOCK(%s)", m.Digest)
	default:
		return string(m.Command)
	}
}
