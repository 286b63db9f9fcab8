// Package contenthash implements the Stash content hash, the block-structured
// digest the service uses to verify file integrity end to end.
//
// The input is split into consecutive 4 MiB blocks (the final block may be
// shorter) and each block is hashed with SHA-256. The content hash is the
// SHA-256 of the concatenated block digests. The digest depends only on the
// bytes, not on how they are sliced across Write calls, so a stream can be
// hashed while it is uploaded chunk by chunk.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// BlockSize is the protocol block size. Upload chunk sizes must be a multiple
// of it, otherwise chunk-level digests would not line up with block boundaries.
const BlockSize = 4 * 1024 * 1024

const copyBufferSize = 1024 * 1024

// Hash computes a content hash incrementally. The zero value is not usable,
// call New. Hash is not safe for concurrent use.
type Hash struct {
	overall hash.Hash
	block   hash.Hash
	partial int
}

// New returns an empty content hash state.
func New() *Hash {
	return &Hash{
		overall: sha256.New(),
		block:   sha256.New(),
	}
}

// Write feeds bytes into the hash. Writes never fail; the error return exists
// to satisfy io.Writer. Any partition of the same byte sequence across calls
// produces the same final digest.
func (h *Hash) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		space := BlockSize - h.partial
		if space > len(p) {
			space = len(p)
		}
		h.block.Write(p[:space])
		h.partial += space
		p = p[space:]
		if h.partial == BlockSize {
			h.flushBlock()
		}
	}
	return written, nil
}

// ReadFrom consumes r until EOF, feeding everything that was read into the
// hash. It returns the number of bytes consumed.
func (h *Hash) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := h.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Sum finalizes the hash and returns the content hash digest. A pending
// partial block is folded in first. An empty input yields the SHA-256 of the
// empty string. Sum is terminal: the Hash must not be written to afterwards.
func (h *Hash) Sum() [32]byte {
	if h.partial > 0 {
		h.flushBlock()
	}
	var digest [32]byte
	h.overall.Sum(digest[:0])
	return digest
}

// HexSum finalizes the hash and returns the digest as lowercase hex, the form
// the Stash API reports in file metadata.
func (h *Hash) HexSum() string {
	digest := h.Sum()
	return hex.EncodeToString(digest[:])
}

func (h *Hash) flushBlock() {
	h.overall.Write(h.block.Sum(nil))
	h.block.Reset()
	h.partial = 0
}

// Sum computes the content hash of data in one call.
func Sum(data []byte) [32]byte {
	h := New()
	h.Write(data)
	return h.Sum()
}

// HexSum computes the lowercase hex content hash of data in one call.
func HexSum(data []byte) string {
	h := New()
	h.Write(data)
	return h.HexSum()
}

// SumReader computes the content hash of everything readable from r.
func SumReader(r io.Reader) ([32]byte, error) {
	h := New()
	if _, err := h.ReadFrom(r); err != nil {
		return [32]byte{}, err
	}
	return h.Sum(), nil
}
