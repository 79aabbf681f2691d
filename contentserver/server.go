// Package contentserver is the inbound-serving half of the copy protocol:
// it answers pull requests (CopyFile) from any locally attached store,
// admits or declines unsolicited pushes (PushFile) under a bounded
// concurrency gate, and hosts the control-plane RPC endpoints.
package contentserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"os"
	"sync"

	"cascache/common"
	filesystem "cascache/file_system"
	"cascache/library"
	"cascache/localstore"
	"cascache/rpc_struct"
	"cascache/transfer"

	"github.com/rs/zerolog/log"
)

// AdmissionPolicy decides whether an unsolicited push for a hash may
// proceed. The distributed session implements it with the local store's own
// check plus the eviction-age rule.
type AdmissionPolicy interface {
	CanAcceptContent(ctx context.Context, hash common.ContentHash) (bool, common.RejectionReason)
}

// Registrar records this machine as a new location once pushed content has
// been finalized into the local store.
type Registrar interface {
	RegisterLocal(ctx context.Context, hash common.ContentHash, size int64) error
}

// ControlHandlers processes control-plane requests addressed to this
// machine.
type ControlHandlers interface {
	DeleteContent(ctx context.Context, hash common.ContentHash) error
	HandleCopyRequest(ctx context.Context, hash common.ContentHash, source common.MachineLocation) common.ContentAvailabilityResult
}

// Config assembles a Server. Policy may be nil, in which case every push is
// declined as unsupported.
type Config struct {
	Addr        common.MachineLocation
	Settings    common.Settings
	Stores      []localstore.ContentStore
	Policy      AdmissionPolicy
	Registrar   Registrar
	Control     ControlHandlers
	ScratchRoot string
}

// Server serves the streaming copy/push protocol and the RPC control plane
// on a single listener; the first byte of each connection routes it.
type Server struct {
	addr      common.MachineLocation
	settings  common.Settings
	stores    []localstore.ContentStore
	policy    AdmissionPolicy
	registrar Registrar
	control   ControlHandlers

	gate      *PushGate
	scratch   *filesystem.FileSystem
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	isDead bool
}

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      cfg.Addr,
		settings:  cfg.Settings,
		stores:    cfg.Stores,
		policy:    cfg.Policy,
		registrar: cfg.Registrar,
		control:   cfg.Control,
		gate:      NewPushGate(cfg.Settings.MaxConcurrentPushes),
		scratch:   filesystem.NewFileSystem(cfg.ScratchRoot),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start opens the listener and begins serving connections.
func (s *Server) Start() error {
	if err := s.scratch.MkDir("."); err != nil {
		return err
	}

	s.rpcServer = rpc.NewServer()
	if err := s.rpcServer.RegisterName("ContentServer", &rpcHandler{server: s}); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", string(s.addr))
	if err != nil {
		return err
	}
	s.listener = listener
	log.Info().Msgf("content server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when configured with :0.
func (s *Server) Addr() common.MachineLocation {
	return common.MachineLocation(s.listener.Addr().String())
}

// Gate exposes the push admission gate for diagnostics.
func (s *Server) Gate() *PushGate {
	return s.gate
}

// Shutdown stops accepting connections, cancels in-flight handlers through
// the server lifetime context and waits for them to drain.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.isDead {
		s.mu.Unlock()
		return nil
	}
	s.isDead = true
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	log.Info().Msgf("content server %s stopped", s.addr)
	return err
}

func (s *Server) dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDead
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.dead() {
				return
			}
			log.Err(err).Msg("content server: accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	preamble := make([]byte, 1)
	if _, err := conn.Read(preamble); err != nil {
		log.Debug().Msgf("content server: dropping connection before preamble: %v", err)
		return
	}

	switch preamble[0] {
	case rpc_struct.ConnKindRPC:
		s.rpcServer.ServeConn(conn)
	case rpc_struct.ConnKindStream:
		s.handleStream(conn)
	default:
		log.Warn().Msgf("content server: unknown connection preamble 0x%02x", preamble[0])
	}
}

func (s *Server) handleStream(conn net.Conn) {
	// layered cancellation: server shutdown and per-call teardown both
	// close the connection, which unblocks any pending codec I/O
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	enc := library.NewEncoder(conn)
	dec := library.NewDecoder(conn)

	var request rpc_struct.StreamRequest
	if err := dec.Decode(&request); err != nil {
		log.Debug().Msgf("content server: bad stream request: %v", err)
		return
	}

	switch request.Kind {
	case rpc_struct.StreamKindCopy:
		s.serveCopy(ctx, enc, request)
	case rpc_struct.StreamKindPush:
		s.servePush(ctx, enc, dec, request)
	default:
		log.Warn().Msgf("content server: unknown stream kind %d", request.Kind)
	}
}

// serveCopy is the pull path: locate the hash across the attached stores
// (first store that has it wins), send the header, then stream the body.
// Once the header is on the wire it cannot be retracted; a failure after
// that point is logged and the stream dropped, and the receiver detects the
// truncation by byte count.
func (s *Server) serveCopy(ctx context.Context, enc *library.Encoder, request rpc_struct.StreamRequest) {
	stream, size, err := s.openLocal(ctx, request.Hash)
	if err != nil {
		header := common.CopyHeader{ErrorMessage: err.Error(), ErrorType: common.CopyErrorGeneric}
		if errors.Is(err, localstore.ErrContentNotFound) {
			header.ErrorType = common.CopyErrorNotFound
		}
		if encErr := enc.Encode(header); encErr != nil {
			log.Debug().Msgf("content server: failed to send error header for %s: %v", request.Hash.Short(), encErr)
		}
		return
	}
	defer stream.Close()

	compression := transfer.ShouldCompress(size, request.Compression, s.settings.GzipSizeThreshold)
	header := common.CopyHeader{
		FileSize:    size,
		Compression: compression,
		ChunkSize:   int32(s.settings.ChunkSize),
	}
	if err := enc.Encode(header); err != nil {
		log.Debug().Msgf("content server: failed to send copy header for %s: %v", request.Hash.Short(), err)
		return
	}

	chunker := transfer.NewChunker(s.settings.ChunkSize, s.settings.UseUnsafeByteTransfer)
	sent, err := chunker.Send(ctx, stream, &chunkFrameSink{enc: enc}, compression)
	if err != nil {
		log.Err(err).Msgf("content server: copy of %s aborted after %d bytes", request.Hash.Short(), sent)
		return
	}
	log.Debug().Msgf("content server: served %s (%d bytes, %s)", request.Hash.Short(), sent, compression)
}

func (s *Server) openLocal(ctx context.Context, hash common.ContentHash) (stream io.ReadCloser, size int64, err error) {
	for _, store := range s.stores {
		stream, size, err = store.OpenStream(ctx, hash)
		if err == nil {
			return stream, size, nil
		}
		if !errors.Is(err, localstore.ErrContentNotFound) {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("%w: %s", localstore.ErrContentNotFound, hash.Short())
}

// servePush runs the push admission state machine: evaluate, accept,
// receive into a scratch file, finalize into the store, register the new
// location, and release the gate slot in all cases.
func (s *Server) servePush(ctx context.Context, enc *library.Encoder, dec *library.Decoder, request rpc_struct.StreamRequest) {
	hash := request.Hash

	if reason := s.evaluatePush(ctx, hash); reason != common.RejectionNone {
		log.Debug().Msgf("push %s of %s declined: %s", request.TraceId, hash.Short(), reason)
		if err := enc.Encode(rpc_struct.PushAdmission{Rejection: reason}); err != nil {
			log.Debug().Msgf("push %s: failed to send rejection: %v", request.TraceId, err)
		}
		return
	}
	defer s.gate.Release(hash)

	if err := enc.Encode(rpc_struct.PushAdmission{Accepted: true}); err != nil {
		log.Debug().Msgf("push %s: failed to send admission: %v", request.TraceId, err)
		return
	}

	tmp, err := s.scratch.TempFile("push-*.tmp")
	if err != nil {
		s.finishPush(enc, request.TraceId, rpc_struct.PushFinal{ErrorMessage: err.Error()})
		return
	}
	tmpPath := tmp.Name()
	finalized := false
	defer func() {
		if !finalized {
			os.Remove(tmpPath)
		}
	}()

	if err := s.receivePushBody(ctx, dec, tmp); err != nil {
		tmp.Close()
		if ctx.Err() != nil && s.ctx.Err() != nil {
			// shutdown-originated abort: try to tell the caller if it is
			// still connected
			s.finishPush(enc, request.TraceId, rpc_struct.PushFinal{ErrorMessage: "server shutting down"})
			return
		}
		// caller-originated abort: nothing useful to send
		log.Debug().Msgf("push %s of %s aborted mid-receive: %v", request.TraceId, hash.Short(), err)
		return
	}
	if err := tmp.Close(); err != nil {
		s.finishPush(enc, request.TraceId, rpc_struct.PushFinal{ErrorMessage: err.Error()})
		return
	}

	size, err := s.stores[0].AcceptPush(ctx, hash, tmpPath)
	if err != nil {
		log.Err(err).Msgf("push %s: finalization of %s failed", request.TraceId, hash.Short())
		s.finishPush(enc, request.TraceId, rpc_struct.PushFinal{ErrorMessage: err.Error()})
		return
	}
	finalized = true

	if s.registrar != nil {
		if err := s.registrar.RegisterLocal(ctx, hash, size); err != nil {
			// content landed; a failed registration only delays discovery
			log.Err(err).Msgf("push %s: failed to register location for %s", request.TraceId, hash.Short())
		}
	}

	log.Info().Msgf("push %s of %s accepted (%d bytes)", request.TraceId, hash.Short(), size)
	s.finishPush(enc, request.TraceId, rpc_struct.PushFinal{Success: true})
}

// evaluatePush applies the admission checks in order: handler presence,
// accept policy, then the concurrency gate.
func (s *Server) evaluatePush(ctx context.Context, hash common.ContentHash) common.RejectionReason {
	if s.policy == nil {
		return common.RejectionNotSupported
	}
	if ok, reason := s.policy.CanAcceptContent(ctx, hash); !ok {
		return reason
	}
	if ok, reason := s.gate.TryAdmit(hash); !ok {
		return reason
	}
	return common.RejectionNone
}

func (s *Server) receivePushBody(ctx context.Context, dec *library.Decoder, dst *os.File) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var frame rpc_struct.PushChunk
		if err := dec.Decode(&frame); err != nil {
			return err
		}
		if len(frame.Content) > 0 {
			if _, err := dst.Write(frame.Content); err != nil {
				return err
			}
		}
		if frame.Done {
			return nil
		}
	}
}

func (s *Server) finishPush(enc *library.Encoder, traceId string, final rpc_struct.PushFinal) {
	if err := enc.Encode(final); err != nil {
		log.Debug().Msgf("push %s: failed to send final response: %v", traceId, err)
	}
}

// chunkFrameSink writes indexed chunk frames onto the wire for pulls.
type chunkFrameSink struct {
	enc *library.Encoder
}

func (s *chunkFrameSink) WriteChunk(_ context.Context, chunk common.Chunk) error {
	return s.enc.Encode(chunk)
}

// rpcHandler hosts the net/rpc control plane. A thin adapter type keeps the
// transport registration separate from the server logic.
type rpcHandler struct {
	server *Server
}

func (h *rpcHandler) RPCDeleteContentHandler(args rpc_struct.DeleteContentArgs, reply *rpc_struct.DeleteContentReply) error {
	if h.server.control == nil {
		reply.ErrorMessage = "delete not supported"
		return nil
	}
	if err := h.server.control.DeleteContent(h.server.ctx, args.Hash); err != nil {
		reply.ErrorMessage = err.Error()
	}
	return nil
}

func (h *rpcHandler) RPCRequestCopyHandler(args rpc_struct.RequestCopyArgs, reply *rpc_struct.RequestCopyReply) error {
	if h.server.control == nil {
		reply.Result = common.ContentAvailabilityResult{Hash: args.Hash, FailureType: "NotSupported"}
		return nil
	}
	reply.Result = h.server.control.HandleCopyRequest(h.server.ctx, args.Hash, args.Source)
	return nil
}
