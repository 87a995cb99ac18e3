package endpoint

import (
	"io"
	"log/slog"
)

// NewStdioSource wraps an already-open pair of streams (typically os.Stdin
// and os.Stdout) as a Source, for the remote-recv subcommand: it IS the
// remote process the SSH-spawned WireSink on the other end talks to, so it
// has no child process of its own to join on Close.
func NewStdioSource(in io.Writer, out io.Reader, log *slog.Logger) *WireSource {
	return newWireSource(in, out, nopCloser{}, log)
}

// NewStdioSink wraps an already-open pair of streams as a Sink, for the
// remote-send subcommand.
func NewStdioSink(in io.Writer, out io.Reader, log *slog.Logger) *WireSink {
	return newWireSink(in, out, nopCloser{}, log)
}
