package block

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

func TestBlock_ID_Deterministic(t *testing.T) {
	b := &Block{ParentID: types.Hash{1}, Round: 3, Timestamp: 100, Target: types.Target{0xff}, Algo: AlgoSHA3, Nonce: 5}
	if b.ID() != b.ID() {
		t.Fatal("ID not deterministic")
	}

	other := *b
	other.Nonce = 6
	if other.ID() == b.ID() {
		t.Error("different nonce should change ID")
	}
}

func TestBlock_ID_ExcludesSignature(t *testing.T) {
	b := &Block{Round: 1, Timestamp: 100, Target: types.Target{0xff}, Algo: AlgoBlake3}
	id := b.ID()
	b.Signature = []byte{1, 2, 3}
	if b.ID() != id {
		t.Error("signature must not affect ID")
	}
}

func TestBlock_SigningBytes_NonceLast(t *testing.T) {
	b := &Block{Round: 1, Timestamp: 100, Target: types.Target{0xff}, Algo: AlgoBlake3, Nonce: 0x0102}
	prefix := b.SigningPrefix()
	full := b.SigningBytes()
	if len(full) != len(prefix)+8 {
		t.Fatalf("len(SigningBytes) = %d, want %d", len(full), len(prefix)+8)
	}
	if !bytes.Equal(full[:len(prefix)], prefix) {
		t.Error("SigningBytes does not start with SigningPrefix")
	}
	if full[len(prefix)] != 0x02 || full[len(prefix)+1] != 0x01 {
		t.Errorf("nonce not little-endian at tail: %x", full[len(prefix):])
	}
}

func TestBlock_JSON(t *testing.T) {
	blk := validBlock(t)

	data, err := json.Marshal(blk)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Block
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID() != blk.ID() {
		t.Errorf("ID after JSON = %s, want %s", got.ID(), blk.ID())
	}
	if !bytes.Equal(got.Signature, blk.Signature) {
		t.Error("signature lost in JSON")
	}
	if !got.VerifySignature() {
		t.Error("decoded block signature should verify")
	}
}

func TestBlock_UnmarshalJSON_BadHex(t *testing.T) {
	var b Block
	if err := json.Unmarshal([]byte(`{"author":"zz"}`), &b); err == nil {
		t.Error("expected error for bad author hex")
	}
}

func TestParseAlgo(t *testing.T) {
	tests := []struct {
		in      string
		want    Algo
		wantErr bool
	}{
		{"blake3", AlgoBlake3, false},
		{"SHA3", AlgoSHA3, false},
		{" sha3 ", AlgoSHA3, false},
		{"scrypt", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAlgo(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgo(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAlgo(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != "blake3" && got.String() != "sha3" {
			t.Errorf("String() = %q", got.String())
		}
	}
	if Algo(7).Valid() {
		t.Error("Algo(7) should be invalid")
	}
}
