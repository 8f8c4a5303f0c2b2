package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/errors"
	"github.com/ruvnet/omnix-consensus/internal/wire"
)

// RPCTransport implements consensus.Transport over net/rpc, one persistent
// client connection per peer, with every frame authenticated under the
// shared wire.Codec key.
type RPCTransport struct {
	nodeID  consensus.NodeID
	address string
	nodes   map[consensus.NodeID]string
	logger  *zap.Logger
	codec   *wire.Codec

	server   *rpc.Server
	listener net.Listener
	clients  map[consensus.NodeID]*rpc.Client
	clientMu sync.RWMutex

	msgChan  chan *consensus.ConsensusMessage
	stopChan chan struct{}
	wg       sync.WaitGroup
	timeout  time.Duration
}

// Service exposes the RPC-visible method a peer calls to deliver a frame.
type Service struct {
	transport *RPCTransport
}

type SendFrameArgs struct {
	Frame []byte
}

type SendFrameReply struct {
	Success bool
	Error   string
}

func NewRPCTransport(nodeID consensus.NodeID, address string, nodes map[consensus.NodeID]string, key []byte, logger *zap.Logger) *RPCTransport {
	return &RPCTransport{
		nodeID:   nodeID,
		address:  address,
		nodes:    nodes,
		logger:   logger,
		codec:    wire.NewCodec(key),
		clients:  make(map[consensus.NodeID]*rpc.Client),
		msgChan:  make(chan *consensus.ConsensusMessage, 1000),
		stopChan: make(chan struct{}),
		timeout:  5 * time.Second,
	}
}

var _ consensus.Transport = (*RPCTransport)(nil)

func (r *RPCTransport) Start(ctx context.Context) error {
	r.server = rpc.NewServer()
	if err := r.server.Register(&Service{transport: r}); err != nil {
		return fmt.Errorf("rpc transport: register service: %w", err)
	}

	var err error
	r.listener, err = net.Listen("tcp", r.address)
	if err != nil {
		return fmt.Errorf("rpc transport: listen on %s: %w", r.address, err)
	}

	r.wg.Add(2)
	go r.acceptConnections()
	go r.maintainClients()
	return nil
}

func (r *RPCTransport) Stop() error {
	close(r.stopChan)
	if r.listener != nil {
		r.listener.Close()
	}

	r.clientMu.Lock()
	for _, client := range r.clients {
		client.Close()
	}
	r.clientMu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *RPCTransport) Send(ctx context.Context, nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	if nodeID == r.nodeID {
		select {
		case r.msgChan <- msg:
			return nil
		default:
			return errors.NewTransportFailureError(fmt.Errorf("local message channel full"))
		}
	}

	frame, err := encodeFrame(r.codec, msg)
	if err != nil {
		return errors.WrapError(err, errors.TransportFailure, "encode frame")
	}

	client, err := r.getClient(nodeID)
	if err != nil {
		return errors.NewTransportFailureError(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := &SendFrameArgs{Frame: frame}
	reply := &SendFrameReply{}
	done := make(chan error, 1)
	go func() { done <- client.Call("Service.SendFrame", args, reply) }()

	select {
	case err := <-done:
		if err != nil {
			return errors.NewTransportFailureError(err)
		}
		if !reply.Success {
			return errors.NewTransportFailureError(fmt.Errorf("remote: %s", reply.Error))
		}
		return nil
	case <-callCtx.Done():
		return errors.NewTransportFailureError(callCtx.Err())
	}
}

func (r *RPCTransport) Broadcast(ctx context.Context, msg *consensus.ConsensusMessage) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(r.nodes))

	for nodeID := range r.nodes {
		if nodeID == r.nodeID {
			continue
		}
		wg.Add(1)
		go func(nid consensus.NodeID) {
			defer wg.Done()
			if err := r.Send(ctx, nid, msg); err != nil {
				errCh <- err
			}
		}(nodeID)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		r.logger.Debug("rpc transport: broadcast send failed", zap.Error(err))
	}
	return nil
}

// Gossip is not implemented directly by RPCTransport; the gossip package
// drives dissemination over Send/Broadcast instead.
func (r *RPCTransport) Gossip(ctx context.Context, data []byte, fanout int) error {
	return errors.NewTransportFailureError(fmt.Errorf("rpc transport: use gossip.Protocol for epidemic dissemination"))
}

func (r *RPCTransport) Receive() <-chan *consensus.ConsensusMessage { return r.msgChan }

func (r *RPCTransport) GetAddress(nodeID consensus.NodeID) string { return r.nodes[nodeID] }

func (r *RPCTransport) Peers() []consensus.NodeID {
	peers := make([]consensus.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		if id != r.nodeID {
			peers = append(peers, id)
		}
	}
	return peers
}

func (r *RPCTransport) getClient(nodeID consensus.NodeID) (*rpc.Client, error) {
	r.clientMu.RLock()
	if client, ok := r.clients[nodeID]; ok {
		r.clientMu.RUnlock()
		return client, nil
	}
	r.clientMu.RUnlock()

	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if client, ok := r.clients[nodeID]; ok {
		return client, nil
	}

	address, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", nodeID)
	}
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	r.clients[nodeID] = client
	return client, nil
}

func (r *RPCTransport) maintainClients() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			for nodeID := range r.nodes {
				if nodeID != r.nodeID {
					_, _ = r.getClient(nodeID)
				}
			}
		}
	}
}

func (r *RPCTransport) acceptConnections() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopChan:
			return
		default:
			conn, err := r.listener.Accept()
			if err != nil {
				select {
				case <-r.stopChan:
					return
				default:
					continue
				}
			}
			go r.server.ServeConn(conn)
		}
	}
}

// SendFrame is the RPC-visible method a peer calls to deliver an
// authenticated frame.
func (s *Service) SendFrame(args *SendFrameArgs, reply *SendFrameReply) error {
	msg, err := decodeFrame(s.transport.codec, args.Frame)
	if err != nil {
		// A frame that fails decoding or authentication is dropped
		// without reporting a failure back to the sender.
		s.transport.logger.Debug("rpc transport: dropping unverifiable frame", zap.Error(err))
		reply.Success = true
		return nil
	}

	select {
	case s.transport.msgChan <- msg:
		reply.Success = true
	default:
		reply.Success = false
		reply.Error = "message channel full"
	}
	return nil
}
