package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/prxssh/syncfast/internal/digest"
)

func allMessages(t *testing.T, dec *Decoder) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if msg == nil {
			return out
		}
		out = append(out, msg)
	}
}

func assertEqualMessages(t *testing.T, got, want []*Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: got=%v want=%v", len(got), len(want), got, want)
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Command != w.Command || g.Path != w.Path || g.Digest != w.Digest ||
			g.Size != w.Size || !bytes.Equal(g.Data, w.Data) || !g.MTime.Equal(w.MTime) {
			t.Errorf("message %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := digest.Sum([]byte("some block"))
	msgs := []*Message{
		MessageFile("dir/file.txt", time.Unix(1700000000, 0)),
		MessageBlock(d, 128),
		MessageEndFiles(),
		MessageData(d, []byte("raw\nbytes\x00with weirdness")),
		MessageReqBlock(d),
		MessageEnd(),
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	dec := NewDecoder()
	dec.Feed(buf.Bytes())
	got := allMessages(t, dec)

	assertEqualMessages(t, got, msgs)
}

func TestDecoderNeedsMoreData(t *testing.T) {
	dec := NewDecoder()
	dec.Feed([]byte("FILE\nfile.txt\n"))

	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg != nil {
		t.Fatalf("Next() returned a message before the frame was complete: %v", msg)
	}

	dec.Feed([]byte("1700000000\n"))
	msg, err = dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg == nil || msg.Command != CmdFile || msg.Path != "file.txt" {
		t.Fatalf("Next() = %v, want completed FILE message", msg)
	}
}

func TestDecoderUnknownCommand(t *testing.T) {
	dec := NewDecoder()
	dec.Feed([]byte("NONSENSE\n"))
	if _, err := dec.Next(); err == nil {
		t.Error("Next() on an unknown command expected error, got nil")
	}
}

func TestDecoderFieldTooLong(t *testing.T) {
	dec := NewDecoder()
	longPath := bytes.Repeat([]byte("x"), FilenameMax+5)
	dec.Feed([]byte("FILE\n"))
	dec.Feed(longPath)
	// no newline terminator anywhere within FilenameMax+1 bytes: must err,
	// not hang waiting for more data forever.
	if _, err := dec.Next(); err == nil {
		t.Error("Next() on an over-long unterminated field expected error, got nil")
	}
}

func TestDecoderSplitByteByByte(t *testing.T) {
	// spec.md §8 property 5: splitting a valid frame sequence any way and
	// feeding it incrementally yields the same messages as one feed.
	d1 := digest.Sum([]byte("aaa"))
	d2 := digest.Sum([]byte("bbb"))
	msgs := []*Message{
		MessageFile("a", time.Unix(1, 0)),
		MessageBlock(d1, 3),
		MessageData(d2, []byte("hello\nworld")),
		MessageEndFiles(),
	}

	var whole bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&whole, m); err != nil {
			t.Fatal(err)
		}
	}

	byteByByte := make([]int, whole.Len())
	for i := range byteByByte {
		byteByByte[i] = 1
	}

	splits := [][]int{
		byteByByte, // one byte per feed
		{1},        // split after first byte
		{3, 7, 2},
		nil, // no split: all at once
	}

	for _, cuts := range splits {
		dec := NewDecoder()
		data := whole.Bytes()
		pos := 0
		var got []*Message

		feedUpTo := func(end int) {
			if end > pos {
				dec.Feed(data[pos:end])
				pos = end
			}
			for {
				msg, err := dec.Next()
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				if msg == nil {
					break
				}
				got = append(got, msg)
			}
		}

		offset := 0
		for _, c := range cuts {
			offset += c
			if offset > len(data) {
				offset = len(data)
			}
			feedUpTo(offset)
		}
		feedUpTo(len(data))

		assertEqualMessages(t, got, msgs)
	}
}

func TestMessageFileTruncatesToSeconds(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 500_000_000, time.UTC)
	m := MessageFile("x", ts)
	if m.MTime.Nanosecond() != 0 {
		t.Errorf("MTime = %v, want truncated to whole seconds", m.MTime)
	}
}
