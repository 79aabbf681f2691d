// Package rpc_struct defines the wire messages of the cache: the framed
// streaming protocol used for copy/push transfers and the args/reply pairs
// of the classic RPC control plane.
//
// A streaming session is one TCP connection. The client sends a
// StreamRequest frame, then:
//
//	pull: server replies with a common.CopyHeader frame followed by zero or
//	      more common.Chunk frames; a clean half-close ends the stream.
//	push: server replies with a PushAdmission frame; when admitted the
//	      client streams PushChunk frames (Done on the last) and the server
//	      answers with a single PushFinal frame.
package rpc_struct

import (
	"cascache/common"
	"cascache/library"
)

func init() {
	library.Register(common.Chunk{})
	library.Register(common.CopyHeader{})
	library.Register(StreamRequest{})
	library.Register(PushAdmission{})
	library.Register(PushChunk{})
	library.Register(PushFinal{})
}

// Connection preamble bytes. The first byte of every connection routes it
// to either the streaming handler or the net/rpc server.
const (
	ConnKindRPC    byte = 0x01
	ConnKindStream byte = 0x02
)

// StreamKind discriminates the first frame of a streaming session.
type StreamKind int8

const (
	StreamKindCopy StreamKind = iota + 1
	StreamKindPush
)

// StreamRequest is the first frame of every streaming session.
type StreamRequest struct {
	Kind        StreamKind
	Hash        common.ContentHash
	Compression bool   // pull only: caller accepts a compressed body
	TraceId     string // push only: correlates both sides' logs
}

// PushAdmission is the server's verdict on a push request. When Accepted is
// false no file is received and Rejection carries the reason.
type PushAdmission struct {
	Accepted  bool
	Rejection common.RejectionReason
}

// PushChunk is one frame of an inbound push body. Indices are implicit:
// frames apply strictly in receipt order. Done marks the final frame, whose
// Content may be empty.
type PushChunk struct {
	Content []byte
	Done    bool
}

// PushFinal reports the outcome of a completed push.
type PushFinal struct {
	Success      bool
	ErrorMessage string
}

// Control-plane method names.
const (
	CSRPCDeleteContentHandler = "ContentServer.RPCDeleteContentHandler"
	CSRPCRequestCopyHandler   = "ContentServer.RPCRequestCopyHandler"
)

// DeleteContentArgs asks a machine to drop its local replica of a hash and
// unregister itself as a location.
type DeleteContentArgs struct {
	Hash common.ContentHash
}

type DeleteContentReply struct {
	ErrorMessage string
}

// RequestCopyArgs tells a machine to proactively pull a hash from Source.
// The side effect of the pull is the point; no bytes flow back to the
// caller.
type RequestCopyArgs struct {
	Hash   common.ContentHash
	Source common.MachineLocation
}

type RequestCopyReply struct {
	Result common.ContentAvailabilityResult
}
