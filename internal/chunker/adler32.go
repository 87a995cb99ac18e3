package chunker

import "hash/adler32"

// Adler32Sum is the legacy rolling checksum from the fixed-size-block era
// of this tool (spec.md §9 Open Questions: two on-disk formats were
// historically in use, a fixed-size-block design with Adler-32 and the
// content-defined design this package implements). It is kept only as a
// tested building block; nothing in the current Chunker/Indexer path, or
// anywhere else in this module, calls it.
func Adler32Sum(b []byte) uint32 {
	return adler32.Checksum(b)
}
