package simnet

import (
	"bytes"
	"encoding/gob"
	"sync"
	"time"

	"github.com/vzdtic/raftsim/pkg/codec"
	"github.com/vzdtic/raftsim/pkg/future"
	"github.com/vzdtic/raftsim/pkg/raft"
)

// rpcEnvelope frames one RPC message on the simulated wire. Body carries
// the serializer's bytes for the request or response value.
type rpcEnvelope struct {
	ID       uint64
	Response bool
	Body     []byte
}

// Transport implements raft.Transport over a Simulator. Each node binds
// one port; inbound requests are executed in dispatch order by a single
// worker, so requests to a target are never reordered.
type Transport struct {
	sim      *Simulator
	handle   *NodeHandle
	listener *Listener
	ser      codec.Serializer
	endpoint Endpoint
	logger   raft.Logger

	mu      sync.Mutex
	handler raft.Handler
	peers   map[string]Endpoint
	pending map[uint64]*pendingCall
	nextID  uint64

	inbox  chan inboundMessage
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type inboundMessage struct {
	from Endpoint
	data []byte
}

type pendingCall struct {
	timer *time.Timer
	done  func(resp interface{}, err error)
}

// NewTransport binds a transport at (addr, port) on the simulator
func NewTransport(sim *Simulator, addr string, port int, ser codec.Serializer, logger raft.Logger) (*Transport, error) {
	if logger == nil {
		logger = raft.NopLogger{}
	}
	t := &Transport{
		sim:      sim,
		handle:   sim.CreateNode(addr),
		ser:      ser,
		endpoint: Endpoint{Address: addr, Port: port},
		logger:   logger,
		peers:    make(map[string]Endpoint),
		pending:  make(map[uint64]*pendingCall),
		inbox:    make(chan inboundMessage, 256),
		stopCh:   make(chan struct{}),
	}
	listener, err := t.handle.Bind(port, t.onDatagram)
	if err != nil {
		return nil, err
	}
	t.listener = listener

	t.wg.Add(1)
	go t.worker()
	return t, nil
}

// AddPeer maps a raft node ID to its transport endpoint
func (t *Transport) AddPeer(id string, ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = ep
}

// RegisterHandler installs the inbound RPC handler; called once at
// startup.
func (t *Transport) RegisterHandler(h raft.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Close stops the worker and fails outstanding calls
func (t *Transport) Close() error {
	select {
	case <-t.stopCh:
		return nil
	default:
	}
	close(t.stopCh)
	t.listener.Close()
	t.wg.Wait()

	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[uint64]*pendingCall)
	t.mu.Unlock()
	for _, c := range calls {
		c.timer.Stop()
		c.done(nil, future.ErrCancelled)
	}
	return nil
}

// RequestVote implements raft.Transport
func (t *Transport) RequestVote(target string, req *raft.RequestVoteRequest, timeout time.Duration) *future.Future[*raft.RequestVoteResponse] {
	return send[raft.RequestVoteResponse](t, target, req, timeout)
}

// AppendEntries implements raft.Transport
func (t *Transport) AppendEntries(target string, req *raft.AppendEntriesRequest, timeout time.Duration) *future.Future[*raft.AppendEntriesResponse] {
	return send[raft.AppendEntriesResponse](t, target, req, timeout)
}

// InstallSnapshot implements raft.Transport
func (t *Transport) InstallSnapshot(target string, req *raft.InstallSnapshotRequest, timeout time.Duration) *future.Future[*raft.InstallSnapshotResponse] {
	return send[raft.InstallSnapshotResponse](t, target, req, timeout)
}

func send[RS any](t *Transport, target string, msg interface{}, timeout time.Duration) *future.Future[*RS] {
	result := future.New[*RS]()

	body, err := t.ser.Marshal(msg)
	if err != nil {
		result.Fail(err)
		return result
	}

	t.mu.Lock()
	ep, known := t.peers[target]
	if !known {
		t.mu.Unlock()
		result.Fail(raft.ErrUnreachable)
		return result
	}
	t.nextID++
	id := t.nextID
	call := &pendingCall{
		done: func(resp interface{}, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			typed, ok := resp.(*RS)
			if !ok {
				result.Fail(raft.ErrTransport)
				return
			}
			result.Resolve(typed)
		},
	}
	call.timer = time.AfterFunc(timeout, func() {
		t.complete(id, nil, raft.ErrTimeout)
	})
	t.pending[id] = call
	t.mu.Unlock()

	data, err := encodeEnvelope(rpcEnvelope{ID: id, Body: body})
	if err != nil {
		t.complete(id, nil, err)
		return result
	}

	if err := t.handle.Send(t.endpoint.Port, ep, data); err != nil {
		t.complete(id, nil, raft.ErrUnreachable)
	}
	return result
}

// complete finalizes a pending call exactly once
func (t *Transport) complete(id uint64, resp interface{}, err error) {
	t.mu.Lock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.done(resp, err)
}

func (t *Transport) onDatagram(from Endpoint, data []byte) {
	select {
	case t.inbox <- inboundMessage{from: from, data: data}:
	case <-t.stopCh:
	}
}

func (t *Transport) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-t.inbox:
			t.process(msg)
		}
	}
}

func (t *Transport) process(msg inboundMessage) {
	env, err := decodeEnvelope(msg.data)
	if err != nil {
		t.logger.Error("undecodable rpc frame",
			raft.F("error", err),
			raft.F("from", msg.from.String()))
		return
	}

	if env.Response {
		value, err := t.ser.Unmarshal(env.Body)
		if err != nil {
			t.complete(env.ID, nil, raft.ErrTransport)
			return
		}
		t.complete(env.ID, value, nil)
		return
	}

	value, err := t.ser.Unmarshal(env.Body)
	if err != nil {
		// Malformed message: logged, dropped, node state untouched.
		t.logger.Error("serialization error",
			raft.F("error", err),
			raft.F("from", msg.from.String()))
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return
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
		t.logger.Error("unexpected rpc kind",
			raft.F("from", msg.from.String()))
		return
	}

	body, err := t.ser.Marshal(resp)
	if err != nil {
		t.logger.Error("response marshal failed",
			raft.F("error", err))
		return
	}
	data, err := encodeEnvelope(rpcEnvelope{ID: env.ID, Response: true, Body: body})
	if err != nil {
		return
	}
	// Reply errors surface to the caller as a timeout.
	_ = t.handle.Send(t.endpoint.Port, msg.from, data)
}

func encodeEnvelope(env rpcEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (rpcEnvelope, error) {
	var env rpcEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return rpcEnvelope{}, err
	}
	return env, nil
}
