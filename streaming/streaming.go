// Package streaming implements the StreamingEngine (C7): a chunked
// upload/download pipeline for large blobs, resumable across a crash via
// a server-side TTL'd upload session. Progress reporting follows the
// reference corpus's network.WriteCounter convention (network/downloader.go):
// a byte counter updated on every write, surfaced here as Progress.
package streaming

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/documentstore"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// AckKind is append's result (§4.7).
type AckKind string

const (
	Ack              AckKind = "ack"
	DuplicateChunk   AckKind = "duplicate_chunk"
	ChecksumMismatch AckKind = "checksum_mismatch"
)

// Config controls chunk size and session TTL (§6.4 streaming.*).
type Config struct {
	ChunkSize int
	TTL       time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{ChunkSize: 4 << 20, TTL: 15 * time.Minute, SweepInterval: time.Minute}
}

type chunk struct {
	data     []byte
	checksum string
}

// upload is one in-flight session's server-side state.
type upload struct {
	id         document.ID
	chunkSize  int
	metadata   map[string]any
	chunks     map[int]chunk
	counter    *writeCounter
	createdAt  time.Time
	lastTouch  time.Time
}

// writeCounter mirrors network.WriteCounter: an io.Writer that only
// tracks a running total, used here purely for the humanize-formatted
// progress string Progress returns.
type writeCounter struct {
	total uint64
}

func (wc *writeCounter) Write(p []byte) (int, error) {
	wc.total += uint64(len(p))
	return len(p), nil
}

func (wc *writeCounter) humanized() string { return humanize.Bytes(wc.total) }

// Progress is the result of a progress(upload_id) call (§4.7 Resume).
type Progress struct {
	HighestContiguous int
	ReceivedAbove     []int
	BytesReceived     string
}

// Engine is the StreamingEngine. Completed uploads hand their assembled
// bytes to a documentstore.BlobStore under the final blob key; Engine
// itself only owns in-flight session state.
type Engine struct {
	cfg   Config
	blobs documentstore.BlobStore
	log   *logging.Logger

	mu      sync.Mutex
	uploads map[document.ID]*upload

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, blobs documentstore.BlobStore, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{cfg: cfg, blobs: blobs, log: log, uploads: make(map[document.ID]*upload)}
}

// Begin opens a new upload session (§4.7). sizeHint is advisory only.
func (e *Engine) Begin(ctx context.Context, sizeHint int64, metadata map[string]any) (document.ID, int, error) {
	id := document.NewID()
	e.mu.Lock()
	e.uploads[id] = &upload{
		id:        id,
		chunkSize: e.cfg.ChunkSize,
		metadata:  metadata,
		chunks:    make(map[int]chunk),
		counter:   &writeCounter{},
		createdAt: time.Now(),
		lastTouch: time.Now(),
	}
	e.mu.Unlock()
	return id, e.cfg.ChunkSize, nil
}

// Append writes one chunk (§4.7 invariant 2/3: out-of-order arrival and
// same-index-same-checksum redelivery are both tolerated).
func (e *Engine) Append(ctx context.Context, uploadID document.ID, chunkIndex int, data []byte, checksum string) (AckKind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	up, ok := e.uploads[uploadID]
	if !ok {
		return "", errs.New(errs.KindNotFound, "unknown or expired upload")
	}
	sum := checksumOf(data)
	if checksum != "" && checksum != sum {
		return ChecksumMismatch, nil
	}
	if existing, present := up.chunks[chunkIndex]; present {
		if existing.checksum == sum {
			return DuplicateChunk, nil
		}
		return ChecksumMismatch, nil
	}
	up.chunks[chunkIndex] = chunk{data: data, checksum: sum}
	_, _ = up.counter.Write(data)
	up.lastTouch = time.Now()
	return Ack, nil
}

// Finish assembles every received chunk in index order and hands the
// result to the blob store under blobKey, failing with IncompleteUpload
// (surfaced as a ValidationError-kind error) if any index in [0,N) is
// missing (§4.7 invariant 2).
func (e *Engine) Finish(ctx context.Context, uploadID document.ID, blobKey string, totalChecksum string) (string, error) {
	e.mu.Lock()
	up, ok := e.uploads[uploadID]
	if !ok {
		e.mu.Unlock()
		return "", errs.New(errs.KindNotFound, "unknown or expired upload")
	}
	n := len(up.chunks)
	assembled := make([]byte, 0, n*up.chunkSize)
	for i := 0; i < n; i++ {
		c, present := up.chunks[i]
		if !present {
			e.mu.Unlock()
			return "", errs.New(errs.KindValidationError, "incomplete upload: missing chunk").WithBackend("streaming")
		}
		assembled = append(assembled, c.data...)
	}
	delete(e.uploads, uploadID)
	e.mu.Unlock()

	if totalChecksum != "" && checksumOf(assembled) != totalChecksum {
		return "", errs.New(errs.KindValidationError, "total checksum mismatch")
	}

	if err := e.blobs.Put(ctx, blobKey, newByteReader(assembled)); err != nil {
		return "", err
	}
	e.log.WithField("upload_id", uploadID.String()).WithField("bytes", humanize.Bytes(uint64(len(assembled)))).Info("stream upload finished")
	return blobKey, nil
}

// Abort cancels an in-flight upload, discarding all received chunks and
// leaving no committed blob (§4.7 invariant 4).
func (e *Engine) Abort(ctx context.Context, uploadID document.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.uploads, uploadID)
	return nil
}

// Progress reports the highest contiguous chunk index received plus any
// higher indices already received out of order, so a resuming client
// knows exactly which chunks remain to be sent (§4.7 Resume).
func (e *Engine) Progress(ctx context.Context, uploadID document.ID) (Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	up, ok := e.uploads[uploadID]
	if !ok {
		return Progress{}, errs.New(errs.KindNotFound, "unknown or expired upload")
	}

	highest := -1
	for {
		if _, present := up.chunks[highest+1]; !present {
			break
		}
		highest++
	}
	var above []int
	for idx := range up.chunks {
		if idx > highest {
			above = append(above, idx)
		}
	}
	return Progress{HighestContiguous: highest, ReceivedAbove: above, BytesReceived: up.counter.humanized()}, nil
}

// Start runs a background sweep that garbage-collects uploads idle past
// cfg.TTL, the server-side expiry §4.7 Resume requires.
func (e *Engine) Start(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sweep()
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.cfg.TTL)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, up := range e.uploads {
		if up.lastTouch.Before(cutoff) {
			delete(e.uploads, id)
			e.log.WithField("upload_id", id.String()).Warn("expired upload garbage collected")
		}
	}
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// byteReader adapts a []byte to backend.BlobReader.
type byteReader struct {
	data []byte
	pos  int64
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *byteReader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = r.pos
	case 2:
		base = int64(len(r.data))
	}
	r.pos = base + offset
	return r.pos, nil
}

var _ backend.BlobReader = (*byteReader)(nil)
