// Package doughnut implements the consensus facade of spec.md §4.7: the
// public store/fetch/remove surface a caller drives, wiring together
// overlay, peer, paxosclient, catalog and rebalance underneath one
// cooperative, single-node-at-a-time API.
package doughnut

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/catalog"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/logctx"
	"github.com/infinit/memo/overlay"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/paxosclient"
	"github.com/infinit/memo/peer"
	"github.com/infinit/memo/rebalance"
)

// Resolver merges a local write with the value another proposer's round
// actually chose, producing a value to retry at version+1. Returning
// (nil, false) raises Conflict.
type Resolver func(local, remote block.Block) (block.Block, bool)

// Config carries a Doughnut's construction parameters.
type Config struct {
	Self    address.NodeID
	Factor  int
	Overlay overlay.Overlay
	Local   peer.Peer
	Catalog *catalog.Catalog

	// BalancedTransfers enables the outstanding-transfer-count shuffle
	// on the immutable fetch path (spec.md §4.7's "optionally shuffle
	// peers biased by outstanding-transfer count"); off by default
	// since it is explicitly optional in spec.md and the plain
	// iterate-until-success path is simpler to reason about under test.
	BalancedTransfers bool
}

// Doughnut is the public consensus facade over a local node's view of
// the cluster.
type Doughnut struct {
	logctx.Logger

	cfg        Config
	rebalancer *rebalance.Rebalancer

	mu        sync.Mutex
	transfers map[address.NodeID]int
}

// New constructs a Doughnut and its rebalancer, starting the
// rebalancer's background loop.
func New(cfg Config, rebalancerCfg rebalance.Config) *Doughnut {
	d := &Doughnut{
		Logger:    logctx.New("doughnut.Doughnut", nil),
		cfg:       cfg,
		transfers: make(map[address.NodeID]int),
	}
	d.rebalancer = rebalance.New(rebalancerCfg)
	d.rebalancer.Start()
	// Scan the catalog inherited from a prior run for addresses left
	// under-replicated by a crash (spec.md §4.6's rebalance inspector),
	// off the constructor's own goroutine so a large catalog doesn't
	// delay New.
	go d.rebalancer.RunInspector(rebalance.InspectorConfig{})
	return d
}

// Close resigns the local node from every mutable block it owns and
// stops the rebalancer (spec.md §4.6 "Resignation on shutdown").
func (d *Doughnut) Close(ctx context.Context) {
	d.rebalancer.Stop(ctx)
}

// Store implements spec.md §4.7's store operation for both immutable
// and mutable blocks.
func (d *Doughnut) Store(ctx context.Context, b block.Block, resolver Resolver) error {
	if b.Kind() == block.KindImmutable || b.Kind() == block.KindNamed {
		return d.storeImmutable(ctx, b)
	}
	return d.storeMutable(ctx, b, resolver)
}

func (d *Doughnut) storeImmutable(ctx context.Context, b block.Block) error {
	addr := b.Address()
	existing, _ := d.cfg.Catalog.Lookup(addr)

	candidates, err := d.cfg.Overlay.Allocate(ctx, addr, d.cfg.Factor)
	if err != nil {
		return err
	}

	type outcome struct {
		id  address.NodeID
		err error
	}
	outcomes := make([]outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range candidates {
		i, p := i, p
		if existing.Quorum.Contains(p.ID()) {
			outcomes[i] = outcome{id: p.ID()}
			continue
		}
		g.Go(func() error {
			err := p.Store(gctx, b, peer.ModeInsert)
			outcomes[i] = outcome{id: p.ID(), err: err}
			return nil
		})
	}
	_ = g.Wait()

	var succeeded paxos.Quorum
	var anySuccess, anyWeak bool
	for _, o := range outcomes {
		var weak *errs.WeakError
		switch {
		case o.err == nil:
			succeeded = succeeded.With(o.id)
			anySuccess = true
		case isWeak(o.err, &weak):
			anyWeak = true
		}
	}
	if !anySuccess {
		if anyWeak {
			return &errs.WeakError{Inner: &errs.NoPeersAvailable{}}
		}
		return &errs.NoPeersAvailable{}
	}

	confirmTargets, err := d.cfg.Overlay.LookupNodes(ctx, succeeded)
	if err == nil {
		for _, p := range confirmTargets {
			if err := p.Confirm(ctx, succeeded, addr, paxos.Proposal{}); err != nil {
				d.Debugf("confirm store %s failed: %v", addr, err)
			}
		}
	}
	d.cfg.Catalog.Track(addr, true, succeeded)
	return nil
}

func isWeak(err error, target **errs.WeakError) bool {
	we, ok := err.(*errs.WeakError)
	if ok {
		*target = we
	}
	return ok
}

func (d *Doughnut) storeMutable(ctx context.Context, b block.Block, resolver Resolver) error {
	addr := b.Address()
	entry, ok := d.cfg.Catalog.Lookup(addr)
	quorum := entry.Quorum
	if !ok || len(quorum) == 0 {
		candidates, err := d.cfg.Overlay.Allocate(ctx, addr, d.cfg.Factor)
		if err != nil {
			return err
		}
		for _, p := range candidates {
			quorum = quorum.With(p.ID())
		}
	}

	version := b.Version()
	current := b
	for {
		client, err := paxosclient.New(ctx, d.cfg.Self, addr, quorum, d.cfg.Overlay)
		if err != nil {
			return err
		}
		insert := version == 0 && !ok
		chosen, err := client.Choose(ctx, version, paxos.BlockValue(current), insert)
		if err != nil {
			return err
		}
		if chosen == nil {
			d.cfg.Catalog.Track(addr, false, quorum)
			return nil
		}
		if chosen.Value.IsQuorum {
			quorum = chosen.Value.Quorum
			version = chosen.Proposal.Version + 1
			continue
		}
		remote := chosen.Value.Block
		merged, ok := resolver(current, remote)
		if !ok {
			return &errs.Conflict{Current: remote}
		}
		current = merged
		version = remote.Version() + 1
	}
}

// Fetch implements spec.md §4.7's fetch operation.
func (d *Doughnut) Fetch(ctx context.Context, addr address.Address, localVersion *uint64) (block.Block, error) {
	if !addr.Mutable() {
		return d.fetchImmutable(ctx, addr, localVersion)
	}
	return d.fetchMutable(ctx, addr, localVersion)
}

func (d *Doughnut) fetchImmutable(ctx context.Context, addr address.Address, localVersion *uint64) (block.Block, error) {
	peers, err := d.cfg.Overlay.Lookup(ctx, addr, d.cfg.Factor, false)
	if err != nil {
		return nil, err
	}
	if d.cfg.BalancedTransfers {
		peers = d.shuffleByLoad(peers)
	}

	var lastErr error
	for _, p := range peers {
		d.beginTransfer(p.ID())
		b, err := p.Fetch(ctx, addr, localVersion)
		d.endTransfer(p.ID())
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &errs.MissingBlock{Addr: addr}
}

// shuffleByLoad biases iteration order toward peers with fewer
// outstanding transfers (spec.md §4.7's optional load-balance hint),
// implemented as a stable partial sort rather than a true weighted
// shuffle.
func (d *Doughnut) shuffleByLoad(peers []peer.Peer) []peer.Peer {
	d.mu.Lock()
	load := make([]int, len(peers))
	for i, p := range peers {
		load[i] = d.transfers[p.ID()]
	}
	d.mu.Unlock()

	out := append([]peer.Peer(nil), peers...)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && load[j] < load[j-1] {
			out[j], out[j-1] = out[j-1], out[j]
			load[j], load[j-1] = load[j-1], load[j]
			j--
		}
	}
	return out
}

func (d *Doughnut) beginTransfer(id address.NodeID) {
	d.mu.Lock()
	d.transfers[id]++
	d.mu.Unlock()
}

func (d *Doughnut) endTransfer(id address.NodeID) {
	d.mu.Lock()
	d.transfers[id]--
	d.mu.Unlock()
}

func (d *Doughnut) fetchMutable(ctx context.Context, addr address.Address, localVersion *uint64) (block.Block, error) {
	entry, ok := d.cfg.Catalog.Lookup(addr)
	quorum := entry.Quorum
	if !ok || len(quorum) == 0 {
		peers, err := d.cfg.Overlay.Lookup(ctx, addr, d.cfg.Factor, false)
		if err != nil {
			return nil, err
		}
		for _, p := range peers {
			quorum = quorum.With(p.ID())
		}
	}

	for {
		client, err := paxosclient.New(ctx, d.cfg.Self, addr, quorum, d.cfg.Overlay)
		if err != nil {
			return nil, err
		}
		state, err := client.State(ctx)
		if err != nil {
			var wrongQuorum *errs.WrongQuorum
			if asWrongQuorum(err, &wrongQuorum) {
				if expected, ok := wrongQuorum.Expected.(paxos.Quorum); ok {
					quorum = expected
					continue
				}
			}
			return nil, err
		}
		if state == nil || state.Value.IsQuorum {
			return nil, &errs.MissingBlock{Addr: addr}
		}
		d.cfg.Catalog.Track(addr, false, quorum)
		return reseal(state.Value.Block, state.Proposal.Version+1), nil
	}
}

func asWrongQuorum(err error, target **errs.WrongQuorum) bool {
	wq, ok := err.(*errs.WrongQuorum)
	if ok {
		*target = wq
	}
	return ok
}

// reseal bumps a fetched mutable block's own version field to
// minNextVersion (the confirmed proposal's version+1) so a caller that
// edits the payload and stores the result straight back proposes a
// strictly greater version instead of resubmitting the version it just
// read (spec.md §4.7 "reseal returned block at proposal.version+1").
// Immutable/Named blocks have no version field to bump and pass through
// unchanged.
func reseal(b block.Block, minNextVersion uint64) block.Block {
	switch v := b.(type) {
	case *block.OwnerKeyed:
		if v.Ver >= minNextVersion {
			return b
		}
		sealed := *v
		sealed.Ver = minNextVersion
		return &sealed
	case *block.ACLSigned:
		if v.Ver >= minNextVersion {
			return b
		}
		sealed := *v
		sealed.Ver = minNextVersion
		return &sealed
	default:
		return b
	}
}

// Remove implements spec.md §4.7's remove operation: route to factor
// peers in parallel.
func (d *Doughnut) Remove(ctx context.Context, addr address.Address, signature []byte) error {
	var peers []peer.Peer
	var err error
	if entry, ok := d.cfg.Catalog.Lookup(addr); ok && len(entry.Quorum) > 0 {
		targets, lerr := d.cfg.Overlay.LookupNodes(ctx, entry.Quorum)
		if lerr != nil {
			return lerr
		}
		for _, p := range targets {
			peers = append(peers, p)
		}
	} else {
		peers, err = d.cfg.Overlay.Lookup(ctx, addr, d.cfg.Factor, false)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var anySuccess bool
	var lastErr error
	for _, p := range peers {
		p := p
		g.Go(func() error {
			err := p.Remove(gctx, addr, signature)
			mu.Lock()
			if err == nil {
				anySuccess = true
			} else {
				lastErr = err
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if anySuccess {
		return nil
	}
	return lastErr
}
