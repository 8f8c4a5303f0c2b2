package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/errors"
	"github.com/ruvnet/omnix-consensus/internal/wire"
)

// WebSocketTransport implements consensus.Transport over a full mesh of
// WebSocket connections, every frame authenticated under wire.Codec.
type WebSocketTransport struct {
	nodeID  consensus.NodeID
	address string
	nodes   map[consensus.NodeID]string
	logger  *zap.Logger
	codec   *wire.Codec

	connections map[consensus.NodeID]*websocket.Conn
	connMu      sync.RWMutex

	msgChan  chan *consensus.ConsensusMessage
	stopChan chan struct{}
	wg       sync.WaitGroup
	upgrader websocket.Upgrader
	server   *http.Server
}

func NewWebSocketTransport(nodeID consensus.NodeID, address string, nodes map[consensus.NodeID]string, key []byte, logger *zap.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		nodeID:      nodeID,
		address:     address,
		nodes:       nodes,
		logger:      logger,
		codec:       wire.NewCodec(key),
		connections: make(map[consensus.NodeID]*websocket.Conn),
		msgChan:     make(chan *consensus.ConsensusMessage, 1000),
		stopChan:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

var _ consensus.Transport = (*WebSocketTransport)(nil)

func (w *WebSocketTransport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/consensus", w.handleWebSocket)
	w.server = &http.Server{Addr: w.address, Handler: mux}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("websocket transport: server error", zap.Error(err))
		}
	}()
	go w.connectToNodes()

	return nil
}

func (w *WebSocketTransport) Stop() error {
	close(w.stopChan)

	if w.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
	}

	w.connMu.Lock()
	for _, conn := range w.connections {
		conn.Close()
	}
	w.connMu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *WebSocketTransport) Send(ctx context.Context, nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	if nodeID == w.nodeID {
		select {
		case w.msgChan <- msg:
			return nil
		default:
			return errors.NewTransportFailureError(fmt.Errorf("local message channel full"))
		}
	}

	w.connMu.RLock()
	conn, ok := w.connections[nodeID]
	w.connMu.RUnlock()
	if !ok {
		return errors.NewTransportFailureError(fmt.Errorf("no connection to node %s", nodeID))
	}

	frame, err := encodeFrame(w.codec, msg)
	if err != nil {
		return errors.WrapError(err, errors.TransportFailure, "encode frame")
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.NewTransportFailureError(err)
	}
	return nil
}

func (w *WebSocketTransport) Broadcast(ctx context.Context, msg *consensus.ConsensusMessage) error {
	w.connMu.RLock()
	targets := make([]consensus.NodeID, 0, len(w.connections))
	for nodeID := range w.connections {
		if nodeID != w.nodeID {
			targets = append(targets, nodeID)
		}
	}
	w.connMu.RUnlock()

	var wg sync.WaitGroup
	for _, nodeID := range targets {
		wg.Add(1)
		go func(nid consensus.NodeID) {
			defer wg.Done()
			if err := w.Send(ctx, nid, msg); err != nil {
				w.logger.Debug("websocket transport: broadcast send failed", zap.String("target", string(nid)), zap.Error(err))
			}
		}(nodeID)
	}
	wg.Wait()
	return nil
}

func (w *WebSocketTransport) Gossip(ctx context.Context, data []byte, fanout int) error {
	return errors.NewTransportFailureError(fmt.Errorf("websocket transport: use gossip.Protocol for epidemic dissemination"))
}

func (w *WebSocketTransport) Receive() <-chan *consensus.ConsensusMessage { return w.msgChan }

func (w *WebSocketTransport) GetAddress(nodeID consensus.NodeID) string { return w.nodes[nodeID] }

func (w *WebSocketTransport) Peers() []consensus.NodeID {
	peers := make([]consensus.NodeID, 0, len(w.nodes))
	for id := range w.nodes {
		if id != w.nodeID {
			peers = append(peers, id)
		}
	}
	return peers
}

func (w *WebSocketTransport) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket transport: upgrade failed", zap.Error(err))
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	peerID := consensus.NodeID(data)

	w.connMu.Lock()
	w.connections[peerID] = conn
	w.connMu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(w.nodeID))

	w.wg.Add(1)
	go w.handleConnection(peerID, conn)
}

func (w *WebSocketTransport) handleConnection(nodeID consensus.NodeID, conn *websocket.Conn) {
	defer w.wg.Done()
	defer func() {
		w.connMu.Lock()
		delete(w.connections, nodeID)
		w.connMu.Unlock()
	}()

	for {
		select {
		case <-w.stopChan:
			return
		default:
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					w.logger.Debug("websocket transport: connection error", zap.String("peer", string(nodeID)), zap.Error(err))
				}
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}

			msg, err := decodeFrame(w.codec, data)
			if err != nil {
				w.logger.Warn("websocket transport: malformed frame", zap.String("peer", string(nodeID)), zap.Error(err))
				continue
			}

			select {
			case w.msgChan <- msg:
			default:
				w.logger.Warn("websocket transport: message channel full, dropping", zap.String("peer", string(nodeID)))
			}
		}
	}
}

func (w *WebSocketTransport) connectToNodes() {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	w.dialMissingPeers()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.dialMissingPeers()
		}
	}
}

func (w *WebSocketTransport) dialMissingPeers() {
	for nodeID, address := range w.nodes {
		if nodeID == w.nodeID {
			continue
		}
		w.connMu.RLock()
		_, exists := w.connections[nodeID]
		w.connMu.RUnlock()
		if !exists {
			go w.connectToNode(nodeID, address)
		}
	}
}

func (w *WebSocketTransport) connectToNode(nodeID consensus.NodeID, address string) {
	url := fmt.Sprintf("ws://%s/consensus", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(w.nodeID)); err != nil {
		conn.Close()
		return
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return
	}

	w.connMu.Lock()
	w.connections[nodeID] = conn
	w.connMu.Unlock()

	w.wg.Add(1)
	go w.handleConnection(nodeID, conn)
}
