package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/validation"
)

// Networks dispatches to the settler registered for a payment's network.
type Networks struct {
	mu       sync.RWMutex
	settlers map[x402.Network]Settler
}

// NewNetworks creates an empty dispatcher.
func NewNetworks() *Networks {
	return &Networks{settlers: make(map[x402.Network]Settler)}
}

// Register sets the settler for network, replacing any previous one.
func (n *Networks) Register(network x402.Network, s Settler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settlers[network] = s
}

// For returns the settler for network.
func (n *Networks) For(network x402.Network) (Settler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.settlers[network]
	if !ok {
		return nil, fmt.Errorf("%w: no settler configured for %s", x402.ErrUnsupportedNetwork, network)
	}
	return s, nil
}

// Supported lists configured networks in canonical order.
func (n *Networks) Supported() []x402.Network {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []x402.Network
	for _, network := range x402.Networks() {
		if _, ok := n.settlers[network]; ok {
			out = append(out, network)
		}
	}
	return out
}

// Settle implements Settler. An unconfigured network is Fatal.
func (n *Networks) Settle(ctx context.Context, p *validation.Payment, req *validation.Requirements) Result {
	s, err := n.For(req.Network)
	if err != nil {
		return failed(Fatal, "unsupported_network", err)
	}
	return s.Settle(ctx, p, req)
}

// AuthorizationUsed implements Settler.
func (n *Networks) AuthorizationUsed(ctx context.Context, p *validation.Payment, req *validation.Requirements) (bool, error) {
	s, err := n.For(req.Network)
	if err != nil {
		return false, err
	}
	return s.AuthorizationUsed(ctx, p, req)
}

var _ Settler = (*Networks)(nil)
