// Package transfer implements the chunked transfer protocol used for every
// byte stream exchanged between cache machines. A sender turns an
// arbitrary-length stream into ordered, indexed chunks of a fixed size; a
// receiver reverses the process. Streams whose declared size crosses a
// threshold can be wrapped in a gzip envelope, decided once before the first
// byte is sent and carried to the receiver in the copy header.
package transfer

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"

	"cascache/common"
)

// ErrUnsupportedCompression is returned before any chunk is sent or
// consumed when a stream carries a compression mode this build does not
// understand.
var ErrUnsupportedCompression = errors.New("unsupported compression mode")

// ChunkSink consumes the chunks of one stream strictly in index order.
type ChunkSink interface {
	WriteChunk(ctx context.Context, chunk common.Chunk) error
}

// ChunkSource yields the chunks of one stream in index order and io.EOF
// once the peer has cleanly finished.
type ChunkSource interface {
	ReadChunk(ctx context.Context) (common.Chunk, error)
}

// ShouldCompress applies the sender-side compression rule: compress only
// when the caller asked for it and the declared size exceeds the threshold.
func ShouldCompress(declaredSize int64, requested bool, threshold int64) common.CompressionType {
	if requested && declaredSize > threshold {
		return common.CompressionGzip
	}
	return common.CompressionNone
}

// Chunker frames byte streams into chunks of a fixed size.
type Chunker struct {
	chunkSize             int
	useUnsafeByteTransfer bool
}

// NewChunker returns a Chunker emitting chunks of chunkSize bytes. With
// useUnsafeByteTransfer set, a full buffer is moved into the outgoing chunk
// instead of copied; the chunker never touches a moved buffer again.
func NewChunker(chunkSize int, useUnsafeByteTransfer bool) *Chunker {
	if chunkSize <= 0 {
		chunkSize = common.DefaultChunkSize
	}
	return &Chunker{chunkSize: chunkSize, useUnsafeByteTransfer: useUnsafeByteTransfer}
}

// ChunkSize returns the configured chunk size.
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// Send streams r into sink under the given compression mode and returns the
// number of input bytes consumed. A zero-length stream emits no chunks.
func (c *Chunker) Send(ctx context.Context, r io.Reader, sink ChunkSink, compression common.CompressionType) (int64, error) {
	switch compression {
	case common.CompressionNone:
		return c.sendChunks(ctx, r, sink)
	case common.CompressionGzip:
		return c.sendCompressed(ctx, r, sink)
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedCompression, compression)
	}
}

// sendChunks is the uncompressed path. Two alternating buffers let the next
// disk read overlap the in-flight network send.
func (c *Chunker) sendChunks(ctx context.Context, r io.Reader, sink ChunkSink) (int64, error) {
	primary := make([]byte, c.chunkSize)
	secondary := make([]byte, c.chunkSize)

	var sent, index int64
	n, err := readBlock(r, primary)
	for {
		if err != nil && err != io.EOF {
			return sent, err
		}
		if n == 0 {
			return sent, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sent, ctxErr
		}

		chunk, replacement := c.buildChunk(index, primary, n)

		writeDone := make(chan error, 1)
		go func(ch common.Chunk) { writeDone <- sink.WriteChunk(ctx, ch) }(chunk)

		var nextN int
		var nextErr error
		if err != io.EOF {
			nextN, nextErr = readBlock(r, secondary)
		} else {
			nextErr = io.EOF
		}

		if werr := <-writeDone; werr != nil {
			return sent, werr
		}
		sent += int64(n)
		index++

		primary, secondary = secondary, replacement
		n, err = nextN, nextErr
	}
}

// buildChunk turns buf[:n] into an outgoing chunk and returns the buffer the
// caller may keep writing into. The unsafe move is only valid for a full
// buffer; a partial chunk always copies.
func (c *Chunker) buildChunk(index int64, buf []byte, n int) (common.Chunk, []byte) {
	if c.useUnsafeByteTransfer && n == len(buf) {
		return common.Chunk{Index: index, Content: buf}, make([]byte, len(buf))
	}
	content := make([]byte, n)
	copy(content, buf[:n])
	return common.Chunk{Index: index, Content: content}, buf
}

// sendCompressed pipes r through a speed-optimized gzip writer that itself
// emits pre-sized chunks into sink, then flushes the compressor and the
// chunk stream (which may emit a final partial chunk).
func (c *Chunker) sendCompressed(ctx context.Context, r io.Reader, sink ChunkSink) (int64, error) {
	cs := &chunkStream{ctx: ctx, sink: sink, buf: make([]byte, c.chunkSize)}
	gz, err := gzip.NewWriterLevel(cs, gzip.BestSpeed)
	if err != nil {
		return 0, err
	}

	sent, err := io.CopyBuffer(gz, r, make([]byte, c.chunkSize))
	if err != nil {
		return sent, err
	}
	if err := gz.Close(); err != nil {
		return sent, err
	}
	return sent, cs.Flush()
}

// chunkStream adapts a ChunkSink into an io.Writer emitting fixed-size
// indexed chunks.
type chunkStream struct {
	ctx   context.Context
	sink  ChunkSink
	buf   []byte
	fill  int
	index int64
}

func (cs *chunkStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := copy(cs.buf[cs.fill:], p)
		cs.fill += n
		total += n
		p = p[n:]
		if cs.fill == len(cs.buf) {
			if err := cs.emit(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Flush emits the trailing partial chunk, if any.
func (cs *chunkStream) Flush() error {
	if cs.fill == 0 {
		return nil
	}
	return cs.emit()
}

func (cs *chunkStream) emit() error {
	content := make([]byte, cs.fill)
	copy(content, cs.buf[:cs.fill])
	chunk := common.Chunk{Index: cs.index, Content: content}
	cs.index++
	cs.fill = 0
	return cs.sink.WriteChunk(cs.ctx, chunk)
}

// Receive drains src into dst, decompressing transparently when the header
// announced gzip, and returns the number of bytes written to dst. The
// caller compares that count against the declared file size: an aborted
// stream is a failed transfer, never a short-but-complete one.
func Receive(ctx context.Context, src ChunkSource, dst io.Writer, compression common.CompressionType) (int64, error) {
	switch compression {
	case common.CompressionNone:
		return receiveChunks(ctx, src, dst)
	case common.CompressionGzip:
		gz, err := gzip.NewReader(&sourceReader{ctx: ctx, src: src})
		if err != nil {
			return 0, err
		}
		written, err := io.Copy(dst, gz)
		if err != nil {
			return written, err
		}
		return written, gz.Close()
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedCompression, compression)
	}
}

type chunkResult struct {
	chunk common.Chunk
	err   error
}

// receiveChunks writes chunks to dst in receipt order while the next
// network read is already in flight.
func receiveChunks(ctx context.Context, src ChunkSource, dst io.Writer) (int64, error) {
	var written, index int64

	chunk, err := src.ReadChunk(ctx)
	for {
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if chunk.Index != index {
			return written, fmt.Errorf("chunk index %d arrived, want %d", chunk.Index, index)
		}

		next := make(chan chunkResult, 1)
		go func() {
			c, e := src.ReadChunk(ctx)
			next <- chunkResult{chunk: c, err: e}
		}()

		n, werr := dst.Write(chunk.Content)
		written += int64(n)
		res := <-next
		if werr != nil {
			return written, werr
		}
		index++
		chunk, err = res.chunk, res.err
	}
}

// sourceReader adapts a ChunkSource into an io.Reader for the gzip
// decompressor, verifying chunk ordering along the way.
type sourceReader struct {
	ctx      context.Context
	src      ChunkSource
	index    int64
	leftover []byte
}

func (sr *sourceReader) Read(p []byte) (int, error) {
	for len(sr.leftover) == 0 {
		chunk, err := sr.src.ReadChunk(sr.ctx)
		if err != nil {
			return 0, err
		}
		if chunk.Index != sr.index {
			return 0, fmt.Errorf("chunk index %d arrived, want %d", chunk.Index, sr.index)
		}
		sr.index++
		sr.leftover = chunk.Content
	}
	n := copy(p, sr.leftover)
	sr.leftover = sr.leftover[n:]
	return n, nil
}

// readBlock fills buf as far as the reader allows. It reports io.EOF only
// alongside the final short block (or with n == 0 on an empty stream).
func readBlock(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return n, io.EOF
	}
	return n, err
}
