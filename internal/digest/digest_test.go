package digest

import "testing"

func TestSumAndString(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		hex  string
	}{
		{
			name: "empty",
			data: []byte{},
			hex:  "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		},
		{
			name: "abc",
			data: []byte("abc"),
			hex:  "a9993e364706816aba3e25717850c26c9cd0d89d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sum(tt.data).String()
			if got != tt.hex {
				t.Errorf("Sum(%q).String() = %s, want %s", tt.data, got, tt.hex)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := Sum([]byte("hello world"))
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed != d {
		t.Errorf("Parse(String()) = %v, want %v", parsed, d)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"too short", "abcd"},
		{"too long", d40() + "ff"},
		{"bad hex", "zz" + d40()[2:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.in); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", tt.in)
			}
		})
	}
}

func d40() string {
	return Sum(nil).String()
}

func TestZero(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Error("zero-value Digest.IsZero() = false, want true")
	}
	if Sum([]byte("x")).IsZero() {
		t.Error("Sum(x).IsZero() = true, want false")
	}
}
