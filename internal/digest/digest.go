// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package digest computes the wire-visible content digest used to address
// chunks in the store and on the wire protocol.
package digest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Size is the width in bytes of a digest.
const Size = 32

// Digest addresses a chunk by the BLAKE3-256 hash of its bytes. The hash
// choice is a wire-visible constant: every node in a run must agree on it.
type Digest [Size]byte

// Zero is the zero-value digest. It is never produced by Sum for bytes
// actually seen on the wire, including the empty chunk (see Empty).
var Zero Digest

// Sum returns the digest of b. Pure: identical bytes always produce an
// identical digest, on any platform.
func Sum(b []byte) Digest {
	return Digest(blake3.Sum256(b))
}

// Empty is the digest of the zero-length chunk, used when a zero-length
// file is represented by a single empty chunk rather than an empty
// chunks[] list (see the Open Question resolved in DESIGN.md).
var Empty = Sum(nil)

// String renders the digest as lowercase hex, the form used in store
// shard paths and DATA frames.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a hex-encoded digest as produced by String.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest %q: %w", s, err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("parsing digest %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ShardPrefix returns the first two hex characters used as the store's
// fanout directory name.
func (d Digest) ShardPrefix() string {
	return d.String()[:2]
}

// MarshalJSON renders the digest as its hex string, so FileEntry.Chunks
// stays compact and human-readable on the wire instead of a raw byte array.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses the hex string form produced by MarshalJSON.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling digest: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
