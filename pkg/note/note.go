// Package note holds the secret note type, its commitment type and the
// base64 transport codec used to hand notes to and from users.
package note

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/mixerzk/pkg/mixerr"
)

const (
	// Size is the byte length of a note: secret ‖ nullifier.
	Size = 64
	// CommitmentSize is the byte length of a commitment digest.
	CommitmentSize = common.HashLength
)

// Note is the holder's secret. Possession of the bytes is ownership of the
// deposit, so it must never be logged.
type Note [Size]byte

// Commitment is the public digest of a note as stored by the contract.
type Commitment = common.Hash

// Secret returns the first half of the note.
func (n Note) Secret() [32]byte {
	var s [32]byte
	copy(s[:], n[:32])
	return s
}

// Nullifier returns the second half of the note.
func (n Note) Nullifier() [32]byte {
	var s [32]byte
	copy(s[:], n[32:])
	return s
}

// String hides the note contents from fmt and loggers.
func (n Note) String() string { return "note(redacted)" }

// Generate draws a fresh note from crypto/rand.
func Generate() (Note, error) {
	var n Note
	if _, err := rand.Read(n[:]); err != nil {
		return Note{}, fmt.Errorf("read random note: %w", err)
	}
	return n, nil
}

// Encode returns the padded standard base64 form of n.
func Encode(n Note) string {
	return base64.StdEncoding.EncodeToString(n[:])
}

// Decode parses a transport string produced by Encode or by any tool using
// the standard or URL-safe base64 alphabet, with or without trailing padding.
func Decode(s string) (Note, error) {
	raw, err := DecodeBase64(s)
	if err != nil {
		return Note{}, &mixerr.MalformedNoteError{Length: -1, Err: err}
	}
	if len(raw) != Size {
		return Note{}, &mixerr.MalformedNoteError{Length: len(raw)}
	}
	var n Note
	copy(n[:], raw)
	return n, nil
}

// DecodeBase64 decodes s after normalising its padding. Several encoders in
// the wild drop the trailing '=' characters; the payload is unchanged by it.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	enc := base64.StdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.URLEncoding
	}
	s = strings.TrimRight(s, "=")
	if r := len(s) % 4; r != 0 {
		s += strings.Repeat("=", 4-r)
	}
	return enc.DecodeString(s)
}

// CommitmentFromBytes converts a raw digest, rejecting any other length.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	if len(b) != CommitmentSize {
		return Commitment{}, fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(b))
	}
	return common.BytesToHash(b), nil
}
