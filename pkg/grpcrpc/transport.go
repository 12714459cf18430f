// Package grpcrpc carries the Raft RPCs over gRPC. The service is
// registered from a hand-written ServiceDesc and the payloads travel as
// raw serializer bytes, so the wire layout is owned by the codec package
// rather than generated stubs.
package grpcrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/vzdtic/raftsim/pkg/codec"
	"github.com/vzdtic/raftsim/pkg/future"
	"github.com/vzdtic/raftsim/pkg/raft"
)

const serviceName = "raftsim.v1.Raft"

// rawMessage is the unit the gRPC codec moves: already-serialized bytes
type rawMessage struct {
	data []byte
}

// rawCodec satisfies grpc's encoding.Codec for rawMessage values
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "raftwire" }

// Transport implements raft.Transport over gRPC connections
type Transport struct {
	address string
	ser     codec.Serializer
	logger  raft.Logger

	mu      sync.Mutex
	handler raft.Handler
	peers   map[string]string // nodeID -> address
	conns   map[string]*grpc.ClientConn

	server   *grpc.Server
	listener net.Listener
}

// NewTransport creates a transport that will serve on address
func NewTransport(address string, peers map[string]string, ser codec.Serializer, logger raft.Logger) *Transport {
	if logger == nil {
		logger = raft.NopLogger{}
	}
	peerCopy := make(map[string]string, len(peers))
	for id, addr := range peers {
		peerCopy[id] = addr
	}
	return &Transport{
		address: address,
		ser:     ser,
		logger:  logger,
		peers:   peerCopy,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// RegisterHandler installs the inbound handler; called once at startup
func (t *Transport) RegisterHandler(h raft.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start binds the listener and serves in the background
func (t *Transport) Start() error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.address, err)
	}
	t.listener = listener
	t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	t.server.RegisterService(&serviceDesc, t)

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Warn("grpc server stopped", raft.F("error", err))
		}
	}()
	return nil
}

// Close stops serving and drops cached client connections
func (t *Transport) Close() error {
	if t.server != nil {
		t.server.GracefulStop()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return nil
}

// AddPeer maps a node ID to its listen address
func (t *Transport) AddPeer(id, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = address
}

func (t *Transport) conn(target string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.peers[target]
	if !ok {
		return nil, raft.ErrUnreachable
	}
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	t.conns[target] = conn
	return conn, nil
}

// RequestVote implements raft.Transport
func (t *Transport) RequestVote(target string, req *raft.RequestVoteRequest, timeout time.Duration) *future.Future[*raft.RequestVoteResponse] {
	return invoke[raft.RequestVoteResponse](t, target, "RequestVote", req, timeout)
}

// AppendEntries implements raft.Transport
func (t *Transport) AppendEntries(target string, req *raft.AppendEntriesRequest, timeout time.Duration) *future.Future[*raft.AppendEntriesResponse] {
	return invoke[raft.AppendEntriesResponse](t, target, "AppendEntries", req, timeout)
}

// InstallSnapshot implements raft.Transport
func (t *Transport) InstallSnapshot(target string, req *raft.InstallSnapshotRequest, timeout time.Duration) *future.Future[*raft.InstallSnapshotResponse] {
	return invoke[raft.InstallSnapshotResponse](t, target, "InstallSnapshot", req, timeout)
}

func invoke[RS any](t *Transport, target, method string, req interface{}, timeout time.Duration) *future.Future[*RS] {
	result := future.New[*RS]()

	body, err := t.ser.Marshal(req)
	if err != nil {
		result.Fail(err)
		return result
	}

	go func() {
		conn, err := t.conn(target)
		if err != nil {
			result.Fail(raft.ErrUnreachable)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		out := &rawMessage{}
		err = conn.Invoke(ctx, "/"+serviceName+"/"+method, &rawMessage{data: body}, out, grpc.ForceCodec(rawCodec{}))
		if err != nil {
			result.Fail(mapGRPCError(err))
			return
		}

		value, err := t.ser.Unmarshal(out.data)
		if err != nil {
			result.Fail(raft.ErrTransport)
			return
		}
		typed, ok := value.(*RS)
		if !ok {
			result.Fail(raft.ErrTransport)
			return
		}
		result.Resolve(typed)
	}()

	return result
}

func mapGRPCError(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return raft.ErrTimeout
	case codes.Unavailable:
		return raft.ErrUnreachable
	case codes.Canceled:
		return future.ErrCancelled
	default:
		return raft.ErrTransport
	}
}

// --- server side ---

func (t *Transport) currentHandler() raft.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// handle decodes a request, dispatches it and re-encodes the response
func (t *Transport) handle(in *rawMessage) (*rawMessage, error) {
	handler := t.currentHandler()
	if handler == nil {
		return nil, status.Error(codes.Unavailable, "no handler registered")
	}

	value, err := t.ser.Unmarshal(in.data)
	if err != nil {
		t.logger.Error("serialization error", raft.F("error", err))
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}

	var resp interface{}
	switch req := value.(type) {
	case *raft.RequestVoteRequest:
		resp = handler.HandleRequestVote(req)
	case *raft.AppendEntriesRequest:
		resp = handler.HandleAppendEntries(req)
	case *raft.InstallSnapshotRequest:
		resp = handler.HandleInstallSnapshot(req)
	default:
		return nil, status.Error(codes.InvalidArgument, "unexpected request kind")
	}

	body, err := t.ser.Marshal(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, "response marshal failed")
	}
	return &rawMessage{data: body}, nil
}

func unaryHandler(srv interface{}, _ context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &rawMessage{}
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(*Transport).handle(in)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: unaryHandler},
		{MethodName: "AppendEntries", Handler: unaryHandler},
		{MethodName: "InstallSnapshot", Handler: unaryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftsim/v1/raft.proto",
}

var _ raft.Transport = (*Transport)(nil)
