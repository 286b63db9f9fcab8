// Package chunkstream slices a sequential byte stream into fixed-size chunks
// and processes them on a bounded pool of workers. The source is read by a
// single goroutine in order, so it can be a plain io.Reader (a file, a network
// body, a pipe); only the processing fans out.
package chunkstream

import (
	"fmt"
	"io"
	"sync"
)

// ReadError reports a failure of the source reader. Processing failures are
// reported as ChunkError instead, so callers can tell the two apart.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read source: %s", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ChunkError reports a chunk whose processing failed, tagged with the byte
// offset the chunk begins at.
type ChunkError struct {
	Offset uint64
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk at offset %d: %s", e.Offset, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ProcessFunc handles a single chunk. The chunk slice is owned by the callee;
// the dispatcher never reuses it. Implementations are called concurrently.
type ProcessFunc func(offset uint64, chunk []byte) error

// Process reads src to EOF in chunkSize pieces and calls fn for each piece on
// a worker pool bounded by parallelism. Chunk k starts at offset k*chunkSize;
// only the final chunk may be short. A zero-length source dispatches nothing.
//
// The first error stops the dispatch of further chunks and becomes the return
// value. Workers already running may finish, but Process does not wait for
// them on the failure path. On success all workers are awaited before Process
// returns, so a late processing failure still surfaces.
func Process(src io.Reader, chunkSize int, parallelism int, fn ProcessFunc) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if parallelism < 1 {
		parallelism = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	takeErr := func() error {
		mu.Lock()
		defer mu.Unlock()
		return firstErr
	}

	// Each in-flight chunk holds a semaphore slot, keeping at most
	// `parallelism` chunk buffers alive at a time.
	semaphore := make(chan struct{}, parallelism)

	var offset uint64
	for {
		if err := takeErr(); err != nil {
			return err
		}

		semaphore <- struct{}{}
		if err := takeErr(); err != nil {
			<-semaphore
			return err
		}

		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(src, buf)
		if err == io.EOF {
			<-semaphore
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			<-semaphore
			fail(&ReadError{Err: err})
			return takeErr()
		}
		last := err == io.ErrUnexpectedEOF

		chunk := buf[:n]
		chunkOffset := offset
		offset += uint64(n)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-semaphore }()
			if err := fn(chunkOffset, chunk); err != nil {
				fail(&ChunkError{Offset: chunkOffset, Err: err})
			}
		}()

		if last {
			break
		}
	}

	wg.Wait()

	return takeErr()
}
