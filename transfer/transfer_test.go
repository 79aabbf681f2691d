package transfer

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"

	"cascache/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	mu     sync.Mutex
	chunks []common.Chunk
}

func (s *collectSink) WriteChunk(_ context.Context, chunk common.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

type sliceSource struct {
	chunks []common.Chunk
	pos    int
}

func (s *sliceSource) ReadChunk(_ context.Context) (common.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return common.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestChunkOrderingAndReassembly(t *testing.T) {
	for _, unsafeTransfer := range []bool{false, true} {
		chunker := NewChunker(1024, unsafeTransfer)
		data := randomBytes(t, 1024*4+300)

		sink := &collectSink{}
		sent, err := chunker.Send(context.Background(), bytes.NewReader(data), sink, common.CompressionNone)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), sent)

		assert.Len(t, sink.chunks, 5)
		var reassembled []byte
		for i, chunk := range sink.chunks {
			assert.Equal(t, int64(i), chunk.Index, "indices must be gapless from zero")
			reassembled = append(reassembled, chunk.Content...)
		}
		assert.Equal(t, data, reassembled)
		assert.Len(t, sink.chunks[4].Content, 300, "final chunk carries the remainder")
	}
}

func TestZeroLengthStream(t *testing.T) {
	chunker := NewChunker(1024, false)
	sink := &collectSink{}

	sent, err := chunker.Send(context.Background(), bytes.NewReader(nil), sink, common.CompressionNone)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, sink.chunks, "no trailing empty chunk is emitted")
}

func TestReceiveReassembles(t *testing.T) {
	chunker := NewChunker(512, false)
	data := randomBytes(t, 512*7+13)

	sink := &collectSink{}
	_, err := chunker.Send(context.Background(), bytes.NewReader(data), sink, common.CompressionNone)
	require.NoError(t, err)

	var dst bytes.Buffer
	written, err := Receive(context.Background(), &sliceSource{chunks: sink.chunks}, &dst, common.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), written)
	assert.Equal(t, data, dst.Bytes())
}

func TestReceiveRejectsOutOfOrderChunks(t *testing.T) {
	chunks := []common.Chunk{
		{Index: 0, Content: []byte("aa")},
		{Index: 2, Content: []byte("bb")},
	}
	var dst bytes.Buffer
	_, err := Receive(context.Background(), &sliceSource{chunks: chunks}, &dst, common.CompressionNone)
	assert.ErrorContains(t, err, "arrived")
}

func TestCompressionRoundTrip(t *testing.T) {
	chunker := NewChunker(2048, false)
	// compressible payload well above any realistic threshold
	data := bytes.Repeat([]byte("content addressable caches repeat themselves "), 4096)

	sink := &collectSink{}
	sent, err := chunker.Send(context.Background(), bytes.NewReader(data), sink, common.CompressionGzip)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), sent)
	require.NotEmpty(t, sink.chunks)

	var wire int
	for i, chunk := range sink.chunks {
		assert.Equal(t, int64(i), chunk.Index)
		wire += len(chunk.Content)
	}
	assert.Less(t, wire, len(data), "wire bytes should shrink for compressible input")

	var dst bytes.Buffer
	written, err := Receive(context.Background(), &sliceSource{chunks: sink.chunks}, &dst, common.CompressionGzip)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), written)
	assert.Equal(t, data, dst.Bytes())
}

func TestShouldCompress(t *testing.T) {
	assert.Equal(t, common.CompressionGzip, ShouldCompress(1001, true, 1000))
	assert.Equal(t, common.CompressionNone, ShouldCompress(1000, true, 1000), "threshold must be exceeded")
	assert.Equal(t, common.CompressionNone, ShouldCompress(999, true, 1000))
	assert.Equal(t, common.CompressionNone, ShouldCompress(5000, false, 1000), "compression must be requested")
}

func TestUnsupportedCompressionFailsFast(t *testing.T) {
	chunker := NewChunker(512, false)
	sink := &collectSink{}

	_, err := chunker.Send(context.Background(), bytes.NewReader([]byte("data")), sink, common.CompressionType(9))
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
	assert.Empty(t, sink.chunks, "rejection happens before any chunk is sent")

	var dst bytes.Buffer
	_, err = Receive(context.Background(), &sliceSource{}, &dst, common.CompressionType(9))
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestSendCancelledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunker := NewChunker(16, false)
	sink := &collectSink{}
	_, err := chunker.Send(ctx, bytes.NewReader(randomBytes(t, 64)), sink, common.CompressionNone)
	assert.ErrorIs(t, err, context.Canceled)
}
