package chunker

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestAdler32TestVector(t *testing.T) {
	got := Adler32Sum([]byte("abcdefghijklmnopqrstuvwxyz"))
	const want = 0x90860b20
	if got != want {
		t.Errorf("Adler32Sum(alphabet) = %#x, want %#x", got, want)
	}
}

func splitAll(t *testing.T, data []byte, cfg Config) [][]byte {
	t.Helper()

	sp := NewSplitter(bytes.NewReader(data), cfg)
	var blocks [][]byte
	for {
		b, err := sp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		blocks = append(blocks, b)
	}
	return blocks
}

func TestSplitterRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		cfg  Config
	}{
		{"empty", nil, DefaultConfig()},
		{"small", []byte("hello world"), Config{Bits: 4, MaxSize: 1024}},
		{"incompressible-ish", bytes.Repeat([]byte("xq7"), 500), Config{Bits: 8, MaxSize: 4096}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := splitAll(t, tt.data, tt.cfg)

			var reassembled []byte
			for _, b := range blocks {
				reassembled = append(reassembled, b...)
			}
			if !bytes.Equal(reassembled, tt.data) {
				t.Errorf("reassembled = %q, want %q", reassembled, tt.data)
			}
		})
	}
}

func TestSplitterRespectsMaxSize(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 10000) // hash never triggers on constant input with this multiplier path alone is unlikely but MaxSize must still bound it
	cfg := Config{Bits: 30, MaxSize: 256}

	blocks := splitAll(t, data, cfg)
	for i, b := range blocks {
		if len(b) > cfg.MaxSize {
			t.Errorf("block %d has length %d, want <= %d", i, len(b), cfg.MaxSize)
		}
	}
}

func TestChunkerStabilityUnderPrefixExtension(t *testing.T) {
	// spec.md §8 property 7: chunking P‖B' and B (B' extends B) agree on
	// every boundary except possibly the two straddling the junction.
	cfg := Config{Bits: 6, MaxSize: 4096}

	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 40)
	prefix := []byte("A SHORT PREFIX INSERTED AT THE FRONT-")

	baseBlocks := splitAll(t, base, cfg)
	extendedBlocks := splitAll(t, append(append([]byte{}, prefix...), base...), cfg)

	// Walk from the end: everything but the first one or two blocks of
	// each sequence should match, since the predicate only depends on a
	// fixed window of recent bytes.
	i, j := len(baseBlocks)-1, len(extendedBlocks)-1
	matched := 0
	for i >= 0 && j >= 0 {
		if !bytes.Equal(baseBlocks[i], extendedBlocks[j]) {
			break
		}
		matched++
		i--
		j--
	}

	if matched < len(baseBlocks)-2 {
		t.Errorf(
			"only %d trailing blocks matched out of %d base blocks; prefix insertion perturbed more than the boundary region",
			matched, len(baseBlocks),
		)
	}
}

func TestReadBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	content := []byte("aaaabbbbccccZZ")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Config{Bits: 30, MaxSize: 4}
	var got []byte
	offset := int64(0)
	for {
		block, err := ReadBlock(path, offset, cfg)
		if err != nil {
			t.Fatalf("ReadBlock() error = %v", err)
		}
		if len(block) == 0 {
			break
		}
		got = append(got, block...)
		offset += int64(len(block))
	}

	if !bytes.Equal(got, content) {
		t.Errorf("reassembled = %q, want %q", got, content)
	}
}
