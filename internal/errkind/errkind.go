// Package errkind defines the sentinel errors that classify a syncfast
// failure the way spec.md §7 describes, wrapped onto ordinary stdlib
// errors with fmt.Errorf("%w", ...) rather than modeled as a closed enum.
package errkind

import "errors"

var (
	// Io marks a filesystem, pipe, or socket failure.
	Io = errors.New("io error")

	// IndexStore marks a schema or constraint violation in the Index.
	IndexStore = errors.New("index store error")

	// Protocol marks a wire framing or grammar violation.
	Protocol = errors.New("protocol error")

	// Reference marks a delta that refers to a digest the Source doesn't
	// have — recoverable only by re-indexing the source.
	Reference = errors.New("unknown block reference")

	// Unsupported marks a requested operation this build doesn't
	// implement (e.g. an HTTP destination).
	Unsupported = errors.New("unsupported operation")
)
