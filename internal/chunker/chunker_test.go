// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunker

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func readAllChunks(t *testing.T, data []byte) [][]byte {
	t.Helper()
	c := New(bytes.NewReader(data))
	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		chunks = append(chunks, cp)
	}
	return chunks
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 4*MaxChunkBytes+17)
	rng.Read(data)

	chunks := readAllChunks(t, data)
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}

	var got []byte
	for _, c := range chunks {
		got = append(got, c...)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(data))
	}
}

func TestChunkSizeBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := make([]byte, 20*MaxChunkBytes)
	rng.Read(data)

	chunks := readAllChunks(t, data)
	for i, c := range chunks {
		if len(c) > MaxChunkBytes {
			t.Fatalf("chunk %d exceeds MaxChunkBytes: %d", i, len(c))
		}
		// Only the final chunk may be shorter than MinChunkBytes.
		if i != len(chunks)-1 && len(c) < MinChunkBytes {
			t.Fatalf("non-final chunk %d shorter than MinChunkBytes: %d", i, len(c))
		}
	}
}

func TestEmptyStreamYieldsOneEmptyChunk(t *testing.T) {
	chunks := readAllChunks(t, nil)
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk for an empty stream, got %d", len(chunks))
	}
	if len(chunks[0]) != 0 {
		t.Fatalf("expected the single chunk to be empty, got %d bytes", len(chunks[0]))
	}
}

func TestDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 5*MaxChunkBytes)
	rng.Read(data)

	a := readAllChunks(t, data)
	b := readAllChunks(t, data)

	if len(a) != len(b) {
		t.Fatalf("chunk count differs across runs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("chunk %d differs across runs", i)
		}
	}
}

// TestBoundaryLocality checks that inserting bytes in the middle of a large
// buffer only perturbs chunk boundaries near the edit; chunks far from the
// insertion point must reappear byte-for-byte in the edited stream.
func TestBoundaryLocality(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	data := make([]byte, 10*MaxChunkBytes)
	rng.Read(data)

	insertAt := 3 * MaxChunkBytes
	insertion := make([]byte, 3*MinChunkBytes+123)
	rng.Read(insertion)

	edited := make([]byte, 0, len(data)+len(insertion))
	edited = append(edited, data[:insertAt]...)
	edited = append(edited, insertion...)
	edited = append(edited, data[insertAt:]...)

	before := readAllChunks(t, data)
	after := readAllChunks(t, edited)

	beforeSet := map[string]int{}
	for _, c := range before {
		beforeSet[string(c)]++
	}
	afterSet := map[string]int{}
	for _, c := range after {
		afterSet[string(c)]++
	}

	shared := 0
	for k, n := range beforeSet {
		if m := afterSet[k]; m > 0 {
			if m < n {
				shared += m
			} else {
				shared += n
			}
		}
	}

	// Chunks well away from the insertion point (the tail, which is
	// unaffected except for being shifted as a whole) must still be
	// present unchanged in the edited stream.
	if shared == 0 {
		t.Fatalf("expected at least some chunks to survive the edit unchanged")
	}
}
