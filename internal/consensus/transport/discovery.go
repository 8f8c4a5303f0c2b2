package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
)

const serviceName = "_omnix-consensus._tcp"

// LocalBeacon advertises this node's transport address on the local
// network via mDNS and periodically queries for peers, so a cluster can be
// assembled without a statically configured Nodes map (LAN/local-dev use;
// the statically configured map remains the default and the one every
// engine test in this module uses).
type LocalBeacon struct {
	nodeID  consensus.NodeID
	address string
	logger  *zap.Logger

	server *mdns.Server

	mu       sync.RWMutex
	observed map[consensus.NodeID]string
	onPeer   func(nodeID consensus.NodeID, address string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalBeacon(nodeID consensus.NodeID, address string, logger *zap.Logger) *LocalBeacon {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBeacon{
		nodeID:   nodeID,
		address:  address,
		logger:   logger,
		observed: make(map[consensus.NodeID]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnPeerDiscovered registers the callback invoked the first time a new
// peer is observed. Only one callback is retained.
func (b *LocalBeacon) OnPeerDiscovered(fn func(nodeID consensus.NodeID, address string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPeer = fn
}

func (b *LocalBeacon) Start() error {
	host, portStr, err := net.SplitHostPort(b.address)
	if err != nil {
		return fmt.Errorf("local beacon: parse address %q: %w", b.address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("local beacon: parse port %q: %w", portStr, err)
	}

	ips, err := resolveIPs(host)
	if err != nil {
		return fmt.Errorf("local beacon: resolve %q: %w", host, err)
	}

	info := []string{"node_id=" + string(b.nodeID)}
	service, err := mdns.NewMDNSService(string(b.nodeID), serviceName, "", "", port, ips, info)
	if err != nil {
		return fmt.Errorf("local beacon: build service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("local beacon: start server: %w", err)
	}
	b.server = server

	b.wg.Add(1)
	go b.queryLoop()
	return nil
}

func (b *LocalBeacon) Stop() error {
	b.cancel()
	b.wg.Wait()
	if b.server != nil {
		return b.server.Shutdown()
	}
	return nil
}

// Peers returns every peer observed so far.
func (b *LocalBeacon) Peers() map[consensus.NodeID]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make(map[consensus.NodeID]string, len(b.observed))
	for id, addr := range b.observed {
		result[id] = addr
	}
	return result
}

func (b *LocalBeacon) queryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	b.queryOnce()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.queryOnce()
		}
	}
}

func (b *LocalBeacon) queryOnce() {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	var entries []*mdns.ServiceEntry
	go func() {
		for entry := range entriesCh {
			entries = append(entries, entry)
		}
		close(done)
	}()

	if err := mdns.Query(&mdns.QueryParam{
		Service: serviceName,
		Domain:  "local",
		Timeout: 2 * time.Second,
		Entries: entriesCh,
	}); err != nil {
		b.logger.Debug("local beacon: query failed", zap.Error(err))
	}
	close(entriesCh)
	<-done

	for _, entry := range entries {
		nodeID, ok := nodeIDFromInfo(entry.Info)
		if !ok || nodeID == b.nodeID {
			continue
		}
		addr := net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))

		b.mu.Lock()
		_, known := b.observed[nodeID]
		b.observed[nodeID] = addr
		onPeer := b.onPeer
		b.mu.Unlock()

		if !known && onPeer != nil {
			onPeer(nodeID, addr)
		}
	}
}

func nodeIDFromInfo(info string) (consensus.NodeID, bool) {
	for _, field := range strings.Split(info, "|") {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(field, "node_id=") {
			return consensus.NodeID(strings.TrimPrefix(field, "node_id=")), true
		}
	}
	return "", false
}

func resolveIPs(host string) ([]net.IP, error) {
	if host == "" {
		return []net.IP{net.IPv4zero}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(host)
}
