// Package block defines the block type carried by the sync protocol.
package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-powsync/pkg/crypto"
	"github.com/Klingon-tech/klingnet-powsync/pkg/types"
)

// Block is a mined block. A block is identified by the BLAKE3 hash of its
// signing bytes and must not be modified once sealed and signed.
type Block struct {
	ParentID  types.Hash
	Round     uint64 // Height; parent.Round + 1.
	Timestamp uint64 // Unix seconds. Zero only for genesis.
	Target    types.Target
	Algo      Algo
	Nonce     uint64
	Author    []byte // Compressed secp256k1 public key of the miner.
	Payload   []byte
	Signature []byte // Schnorr signature by Author over ID().
}

// blockJSON is the wire form with hex-encoded byte fields.
type blockJSON struct {
	ParentID  types.Hash   `json:"parent_id"`
	Round     uint64       `json:"round"`
	Timestamp uint64       `json:"timestamp"`
	Target    types.Target `json:"target"`
	Algo      Algo         `json:"algo"`
	Nonce     uint64       `json:"nonce"`
	Author    string       `json:"author,omitempty"`
	Payload   string       `json:"payload,omitempty"`
	Signature string       `json:"signature,omitempty"`
}

// MarshalJSON encodes the block with hex-encoded byte fields.
func (b *Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockJSON{
		ParentID:  b.ParentID,
		Round:     b.Round,
		Timestamp: b.Timestamp,
		Target:    b.Target,
		Algo:      b.Algo,
		Nonce:     b.Nonce,
		Author:    hex.EncodeToString(b.Author),
		Payload:   hex.EncodeToString(b.Payload),
		Signature: hex.EncodeToString(b.Signature),
	})
}

// UnmarshalJSON decodes a block with hex-encoded byte fields.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	author, err := decodeHexField("author", j.Author)
	if err != nil {
		return err
	}
	payload, err := decodeHexField("payload", j.Payload)
	if err != nil {
		return err
	}
	sig, err := decodeHexField("signature", j.Signature)
	if err != nil {
		return err
	}
	*b = Block{
		ParentID:  j.ParentID,
		Round:     j.Round,
		Timestamp: j.Timestamp,
		Target:    j.Target,
		Algo:      j.Algo,
		Nonce:     j.Nonce,
		Author:    author,
		Payload:   payload,
		Signature: sig,
	}
	return nil
}

func decodeHexField(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

// ID returns the block's content hash.
func (b *Block) ID() types.Hash {
	return crypto.Hash(b.SigningBytes())
}

// SigningPrefix returns the signing bytes without the trailing nonce so
// miners can precompute it once per template.
// Format: parent(32) | round(8) | timestamp(8) | target(32) | algo(1) |
// author_len(1) | author | payload_hash(32)
func (b *Block) SigningPrefix() []byte {
	payloadHash := crypto.Hash(b.Payload)
	buf := make([]byte, 0, 114+len(b.Author)+8)
	buf = append(buf, b.ParentID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, b.Round)
	buf = binary.LittleEndian.AppendUint64(buf, b.Timestamp)
	buf = append(buf, b.Target[:]...)
	buf = append(buf, byte(b.Algo))
	buf = append(buf, byte(len(b.Author)))
	buf = append(buf, b.Author...)
	buf = append(buf, payloadHash[:]...)
	return buf
}

// SigningBytes returns the canonical bytes that are hashed for the id and
// for proof-of-work. The signature is excluded.
func (b *Block) SigningBytes() []byte {
	return binary.LittleEndian.AppendUint64(b.SigningPrefix(), b.Nonce)
}

// Sign sets the author and signature using key. Call after sealing.
func (b *Block) Sign(key *crypto.PrivateKey) error {
	b.Author = key.PublicKey()
	id := b.ID()
	sig, err := key.Sign(id[:])
	if err != nil {
		return fmt.Errorf("sign block: %w", err)
	}
	b.Signature = sig
	return nil
}

// VerifySignature checks the author's signature over the block id.
func (b *Block) VerifySignature() bool {
	if len(b.Author) != crypto.PubKeySize || len(b.Signature) == 0 {
		return false
	}
	id := b.ID()
	return crypto.VerifySignature(id[:], b.Signature, b.Author)
}
