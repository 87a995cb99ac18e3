package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/syncfast/internal/digest"
	"github.com/prxssh/syncfast/internal/protocol"
)

// wireReader runs a decoder goroutine over r, pushing fully-parsed messages
// onto a capacity-1 channel — mirroring original_source's
// mpsc::sync_channel(1) choice, which lets a slow consumer apply
// backpressure to the decoder rather than buffering an unbounded amount of
// the remote's output in memory. The goroutine's lifecycle is joined
// through an errgroup.Group, the same pattern internal/indexer uses for
// its chunking fan-out, rather than a second ad hoc error channel.
type wireReader struct {
	msgs chan *protocol.Message
	eg   *errgroup.Group
}

func newWireReader(r io.Reader, log *slog.Logger) *wireReader {
	eg := &errgroup.Group{}
	wr := &wireReader{
		msgs: make(chan *protocol.Message, 1),
		eg:   eg,
	}
	eg.Go(func() error {
		return wr.run(r, log)
	})
	return wr
}

func (wr *wireReader) run(r io.Reader, log *slog.Logger) error {
	defer close(wr.msgs)

	dec := protocol.NewDecoder()
	buf := make([]byte, 64*1024)

	for {
		for {
			msg, err := dec.Next()
			if err != nil {
				return err
			}
			if msg == nil {
				break
			}
			wr.msgs <- msg
		}

		n, err := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("wire_reader.read_error", "error", err)
				return err
			}
			return nil
		}
	}
}

// err joins the decoder goroutine via the errgroup and returns the
// terminal error it exited with, if any. Callers only invoke this once
// wr.msgs has been observed closed, by which point the goroutine has
// already returned (or is returning), so Wait does not introduce any
// additional blocking beyond what the closed channel already implied.
func (wr *wireReader) err() error {
	return wr.eg.Wait()
}

// wireCloser is implemented by anything that needs to join a spawned
// process (SSH) or is a no-op for a directly-piped stdio endpoint.
type wireCloser interface {
	closeWire() error
}

// nopCloser satisfies wireCloser for endpoints wrapping stdin/stdout
// directly, with no child process to join.
type nopCloser struct{}

func (nopCloser) closeWire() error { return nil }

// WireSource is the Source half of a duplex connection to a remote process
// speaking the wire protocol (spec.md §4.5): it writes REQBLOCK/END
// requests and decodes FILE/BLOCK/END_FILES/DATA events from the remote.
// It backs both the SSH-spawned endpoint and the stdio endpoint used by
// the remote-recv subcommand.
type WireSource struct {
	w      io.Writer
	reader *wireReader
	closer wireCloser
	log    *slog.Logger

	indexQ []IndexEvent
	blockQ []protocol.Message
	done   bool
}

func newWireSource(w io.Writer, r io.Reader, closer wireCloser, log *slog.Logger) *WireSource {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "wire-source")
	return &WireSource{
		w:      w,
		reader: newWireReader(r, log),
		closer: closer,
		log:    log,
	}
}

// drain pulls every message currently available without blocking, sorting
// each into the index-event or block queue.
func (s *WireSource) drain() {
	for {
		select {
		case msg, ok := <-s.reader.msgs:
			if !ok {
				return
			}
			s.classify(msg)
		default:
			return
		}
	}
}

// drainBlocking waits for at least one more message when both queues are
// currently empty and the stream hasn't ended.
func (s *WireSource) drainBlocking(ctx context.Context) error {
	if len(s.indexQ) > 0 || len(s.blockQ) > 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-s.reader.msgs:
		if !ok {
			if err := s.reader.err(); err != nil {
				return fmt.Errorf("endpoint: wire source: %w", err)
			}
			return io.ErrUnexpectedEOF
		}
		s.classify(msg)
		return nil
	}
}

func (s *WireSource) classify(msg *protocol.Message) {
	switch msg.Command {
	case protocol.CmdFile:
		s.indexQ = append(s.indexQ, IndexEvent{Kind: NewFile, Path: msg.Path, MTime: msg.MTime})
	case protocol.CmdBlock:
		s.indexQ = append(s.indexQ, IndexEvent{Kind: NewBlock, Digest: msg.Digest, Size: msg.Size})
	case protocol.CmdEndFiles:
		s.indexQ = append(s.indexQ, IndexEvent{Kind: EndOfFiles})
	case protocol.CmdData:
		s.blockQ = append(s.blockQ, *msg)
	default:
		s.log.Warn("wire_source.unexpected_command", "command", msg.Command)
	}
}

func (s *WireSource) RequestBlock(ctx context.Context, d digest.Digest) error {
	return protocol.WriteMessage(s.w, protocol.MessageReqBlock(d))
}

func (s *WireSource) HasBlockReady() bool {
	s.drain()
	return len(s.blockQ) > 0
}

func (s *WireSource) NextBlock(ctx context.Context) (digest.Digest, []byte, error) {
	for len(s.blockQ) == 0 {
		if err := s.drainBlocking(ctx); err != nil {
			return digest.Digest{}, nil, err
		}
	}
	msg := s.blockQ[0]
	s.blockQ = s.blockQ[1:]
	return msg.Digest, msg.Data, nil
}

func (s *WireSource) HasIndexEvent() bool {
	if s.done {
		return false
	}
	s.drain()
	return len(s.indexQ) > 0
}

func (s *WireSource) NextIndexEvent(ctx context.Context) (IndexEvent, error) {
	for len(s.indexQ) == 0 {
		if err := s.drainBlocking(ctx); err != nil {
			return IndexEvent{}, err
		}
	}
	ev := s.indexQ[0]
	s.indexQ = s.indexQ[1:]
	if ev.Kind == EndOfFiles {
		s.done = true
	}
	return ev, nil
}

// Close signals the remote end we're done requesting blocks and joins any
// child process.
func (s *WireSource) Close() error {
	if err := protocol.WriteMessage(s.w, protocol.MessageEnd()); err != nil {
		s.log.Warn("wire_source.send_end_failed", "error", err)
	}
	if wc, ok := s.w.(io.Closer); ok {
		wc.Close()
	}
	return s.closer.closeWire()
}

// WireSink is the Sink half of a duplex connection to a remote process
// speaking the wire protocol: it writes FILE/BLOCK/END_FILES/DATA frames
// and decodes REQBLOCK/END responses from the remote.
type WireSink struct {
	w      io.Writer
	reader *wireReader
	closer wireCloser
	log    *slog.Logger

	requestQ []digest.Digest
	done     bool
}

func newWireSink(w io.Writer, r io.Reader, closer wireCloser, log *slog.Logger) *WireSink {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "wire-sink")
	return &WireSink{
		w:      w,
		reader: newWireReader(r, log),
		closer: closer,
		log:    log,
	}
}

func (s *WireSink) drain() {
	for {
		select {
		case msg, ok := <-s.reader.msgs:
			if !ok {
				return
			}
			s.classify(msg)
		default:
			return
		}
	}
}

func (s *WireSink) classify(msg *protocol.Message) {
	switch msg.Command {
	case protocol.CmdReqBlock:
		s.requestQ = append(s.requestQ, msg.Digest)
	case protocol.CmdEnd:
		s.done = true
	default:
		s.log.Warn("wire_sink.unexpected_command", "command", msg.Command)
	}
}

func (s *WireSink) HasPendingRequest() bool {
	s.drain()
	return len(s.requestQ) > 0
}

func (s *WireSink) NextPendingRequest() digest.Digest {
	d := s.requestQ[0]
	s.requestQ = s.requestQ[1:]
	return d
}

func (s *WireSink) IsMissingBlocks() bool {
	s.drain()
	return !s.done
}

func (s *WireSink) FeedIndexEvent(ctx context.Context, ev IndexEvent) error {
	var msg *protocol.Message
	switch ev.Kind {
	case NewFile:
		msg = protocol.MessageFile(ev.Path, ev.MTime)
	case NewBlock:
		msg = protocol.MessageBlock(ev.Digest, ev.Size)
	case EndOfFiles:
		msg = protocol.MessageEndFiles()
	default:
		return fmt.Errorf("endpoint: unknown index event kind %v", ev.Kind)
	}
	return protocol.WriteMessage(s.w, msg)
}

func (s *WireSink) FeedBlock(ctx context.Context, d digest.Digest, data []byte) error {
	return protocol.WriteMessage(s.w, protocol.MessageData(d, data))
}

func (s *WireSink) Close() error {
	if wc, ok := s.w.(io.Closer); ok {
		wc.Close()
	}
	return s.closer.closeWire()
}
