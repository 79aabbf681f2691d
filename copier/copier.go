// Package copier implements the outbound half of the copy protocol: pulling
// a hash from a specific remote machine into a local writer, pushing a
// local stream to a peer, and the control-plane RPC calls (remote delete,
// copy requests).
package copier

import (
	"context"
	"io"
	"net"
	"net/rpc"

	"cascache/common"
	"cascache/library"
	"cascache/rpc_struct"
	"cascache/transfer"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Copier opens streaming sessions against remote cache machines.
type Copier struct {
	settings common.Settings
}

func NewCopier(settings common.Settings) *Copier {
	return &Copier{settings: settings}
}

// dialStream opens a streaming session to machine. The returned cleanup
// must run in all paths; cancelling ctx closes the connection, which is how
// in-flight transfers get aborted.
func (c *Copier) dialStream(ctx context.Context, machine common.MachineLocation) (*library.Encoder, *library.Decoder, func(), error) {
	dialer := net.Dialer{Timeout: c.settings.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", string(machine))
	if err != nil {
		return nil, nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	cleanup := func() {
		stop()
		conn.Close()
	}
	if _, err := conn.Write([]byte{rpc_struct.ConnKindStream}); err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return library.NewEncoder(conn), library.NewDecoder(conn), cleanup, nil
}

// CopyFrom fetches hash from machine into dst. The result distinguishes
// not-found (fan out to another peer) from genuine failure; a stream that
// ends short of the declared size is a failure, not a partial success.
func (c *Copier) CopyFrom(ctx context.Context, machine common.MachineLocation, hash common.ContentHash, dst io.Writer) common.CopyResult {
	enc, dec, cleanup, err := c.dialStream(ctx, machine)
	if err != nil {
		return c.failure(ctx, err)
	}
	defer cleanup()

	request := rpc_struct.StreamRequest{
		Kind:        rpc_struct.StreamKindCopy,
		Hash:        hash,
		Compression: true,
	}
	if err := enc.Encode(request); err != nil {
		return c.failure(ctx, err)
	}

	var header common.CopyHeader
	if err := dec.Decode(&header); err != nil {
		return c.failure(ctx, err)
	}
	switch header.ErrorType {
	case "":
	case common.CopyErrorNotFound:
		return common.CopyResult{Code: common.CopyNotFound, ErrorMessage: header.ErrorMessage}
	default:
		return common.CopyResult{Code: common.CopyError, ErrorMessage: header.ErrorMessage}
	}

	written, err := transfer.Receive(ctx, &frameSource{dec: dec}, dst, header.Compression)
	if err != nil {
		log.Debug().Msgf("copy of %s from %s aborted after %d bytes: %v", hash.Short(), machine, written, err)
		return c.failure(ctx, err)
	}
	if written != header.FileSize {
		return common.CopyResult{
			Code:             common.CopyError,
			BytesTransferred: written,
			ErrorMessage:     "stream ended before the declared file size",
		}
	}
	return common.CopyResult{Code: common.CopySuccess, BytesTransferred: written}
}

// PushTo streams r to machine as the content of hash. Push bodies are never
// compressed; frames carry implicit sequential indices.
func (c *Copier) PushTo(ctx context.Context, machine common.MachineLocation, hash common.ContentHash, r io.Reader) common.CopyResult {
	traceId := uuid.New().String()

	enc, dec, cleanup, err := c.dialStream(ctx, machine)
	if err != nil {
		return c.failure(ctx, err)
	}
	defer cleanup()

	request := rpc_struct.StreamRequest{
		Kind:    rpc_struct.StreamKindPush,
		Hash:    hash,
		TraceId: traceId,
	}
	if err := enc.Encode(request); err != nil {
		return c.failure(ctx, err)
	}

	var admission rpc_struct.PushAdmission
	if err := dec.Decode(&admission); err != nil {
		return c.failure(ctx, err)
	}
	if !admission.Accepted {
		log.Debug().Msgf("push %s of %s to %s declined: %s", traceId, hash.Short(), machine, admission.Rejection)
		return common.CopyResult{Code: common.CopyRejected, Rejection: admission.Rejection}
	}

	chunker := transfer.NewChunker(c.settings.ChunkSize, c.settings.UseUnsafeByteTransfer)
	sent, err := chunker.Send(ctx, r, &frameSink{enc: enc}, common.CompressionNone)
	if err != nil {
		return c.failure(ctx, err)
	}
	if err := enc.Encode(rpc_struct.PushChunk{Done: true}); err != nil {
		return c.failure(ctx, err)
	}

	var final rpc_struct.PushFinal
	if err := dec.Decode(&final); err != nil {
		return c.failure(ctx, err)
	}
	if !final.Success {
		return common.CopyResult{Code: common.CopyError, BytesTransferred: sent, ErrorMessage: final.ErrorMessage}
	}
	log.Info().Msgf("push %s of %s to %s completed (%d bytes)", traceId, hash.Short(), machine, sent)
	return common.CopyResult{Code: common.CopySuccess, BytesTransferred: sent}
}

// failure classifies an aborted transfer: cancellation is distinguished
// from genuine failure and never dressed up as one.
func (c *Copier) failure(ctx context.Context, err error) common.CopyResult {
	if ctx.Err() != nil {
		return common.CopyResult{Code: common.CopyCancelled, ErrorMessage: ctx.Err().Error()}
	}
	return common.CopyResult{Code: common.CopyError, ErrorMessage: err.Error()}
}

// frameSink adapts the wire encoder to the chunk protocol for pushes.
type frameSink struct {
	enc *library.Encoder
}

func (s *frameSink) WriteChunk(_ context.Context, chunk common.Chunk) error {
	return s.enc.Encode(rpc_struct.PushChunk{Content: chunk.Content})
}

// frameSource adapts the wire decoder to the chunk protocol for pulls. A
// clean half-close between frames surfaces as io.EOF; a mid-frame cut
// surfaces as an error and fails the transfer.
type frameSource struct {
	dec *library.Decoder
}

func (s *frameSource) ReadChunk(_ context.Context) (common.Chunk, error) {
	var chunk common.Chunk
	if err := s.dec.Decode(&chunk); err != nil {
		return common.Chunk{}, err
	}
	return chunk, nil
}

// CallRPC performs one control-plane call against a remote machine.
func CallRPC(machine common.MachineLocation, method string, args any, reply any) error {
	conn, err := net.Dial("tcp", string(machine))
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte{rpc_struct.ConnKindRPC}); err != nil {
		conn.Close()
		return err
	}
	client := rpc.NewClient(conn)
	defer client.Close()
	return client.Call(method, args, reply)
}

// DeleteRemote asks machine to drop its replica of hash.
func (c *Copier) DeleteRemote(machine common.MachineLocation, hash common.ContentHash) error {
	var reply rpc_struct.DeleteContentReply
	if err := CallRPC(machine, rpc_struct.CSRPCDeleteContentHandler, rpc_struct.DeleteContentArgs{Hash: hash}, &reply); err != nil {
		return err
	}
	if reply.ErrorMessage != "" {
		return &remoteError{message: reply.ErrorMessage}
	}
	return nil
}

// RequestCopy tells machine to pull hash from source.
func (c *Copier) RequestCopy(machine common.MachineLocation, hash common.ContentHash, source common.MachineLocation) (common.ContentAvailabilityResult, error) {
	var reply rpc_struct.RequestCopyReply
	err := CallRPC(machine, rpc_struct.CSRPCRequestCopyHandler, rpc_struct.RequestCopyArgs{Hash: hash, Source: source}, &reply)
	return reply.Result, err
}

type remoteError struct {
	message string
}

func (e *remoteError) Error() string {
	return e.message
}
