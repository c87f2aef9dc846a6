// Package network models the peer-network boundary as an abstract
// interface. The concrete TCP transport, framing codec and peer discovery
// are explicitly out of scope (spec §1); only the send/receive contract the
// engines depend on is defined here, plus an in-memory implementation used
// by tests and by single-process multi-validator simulations.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/rechain/bftcore/internal/model"
)

// Network is the outbound/inbound mailbox boundary an engine depends on.
// Broadcast output goes through a single outbound mailbox per the
// concurrency model's "shared resources" design note.
type Network interface {
	Broadcast(ctx context.Context, msg model.MsgWithHeader) error
	SendTo(ctx context.Context, to model.ValidatorPublicKey, msg model.MsgWithHeader) error
	Inbox() <-chan model.MsgWithHeader
	Close()
}

// Hub wires a fixed set of validator identities together in-process, each
// with its own bounded inbox channel, so tests can exercise multi-node
// scenarios (e.g. the happy-path-commit scenario) without a real
// transport.
type Hub struct {
	mu     sync.RWMutex
	nodes  map[model.ValidatorPublicKey]*loopbackNetwork
	depth  int
}

// NewHub creates a hub whose per-recipient channels hold up to depth
// undelivered messages before Broadcast/SendTo block.
func NewHub(depth int) *Hub {
	if depth <= 0 {
		depth = 64
	}
	return &Hub{nodes: make(map[model.ValidatorPublicKey]*loopbackNetwork), depth: depth}
}

// Join registers id and returns its Network handle.
func (h *Hub) Join(id model.ValidatorPublicKey) Network {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := &loopbackNetwork{hub: h, self: id, inbox: make(chan model.MsgWithHeader, h.depth)}
	h.nodes[id] = n
	return n
}

func (h *Hub) deliver(ctx context.Context, to model.ValidatorPublicKey, msg model.MsgWithHeader) error {
	h.mu.RLock()
	target, ok := h.nodes[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("network: unknown recipient %s", to)
	}
	select {
	case target.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) participants() []model.ValidatorPublicKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.ValidatorPublicKey, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	return out
}

type loopbackNetwork struct {
	hub   *Hub
	self  model.ValidatorPublicKey
	inbox chan model.MsgWithHeader
}

func (n *loopbackNetwork) Broadcast(ctx context.Context, msg model.MsgWithHeader) error {
	for _, id := range n.hub.participants() {
		if id == n.self {
			continue
		}
		if err := n.hub.deliver(ctx, id, msg); err != nil {
			return err
		}
	}
	return nil
}

func (n *loopbackNetwork) SendTo(ctx context.Context, to model.ValidatorPublicKey, msg model.MsgWithHeader) error {
	return n.hub.deliver(ctx, to, msg)
}

func (n *loopbackNetwork) Inbox() <-chan model.MsgWithHeader { return n.inbox }

func (n *loopbackNetwork) Close() { close(n.inbox) }
