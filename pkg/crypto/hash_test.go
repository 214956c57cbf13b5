package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

func hexToHash(t *testing.T, s string) types.Hash {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var h types.Hash
	copy(h[:], b)
	return h
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.input)
			want := hexToHash(t, tt.want)
			if got != want {
				t.Errorf("Hash(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestSHA3_Empty(t *testing.T) {
	got := SHA3(nil)
	want := hexToHash(t, "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a")
	if got != want {
		t.Errorf("SHA3(nil) = %x, want %x", got, want)
	}
}

func TestSHA3_DiffersFromBlake3(t *testing.T) {
	data := []byte("block")
	if SHA3(data) == Hash(data) {
		t.Error("SHA3 and BLAKE3 should not agree")
	}
}
