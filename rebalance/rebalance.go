// Package rebalance implements the background rebalancer of spec.md
// §4.6: a single-threaded-per-node actor (an actionChan idiom) that
// dedups work by address, expands under-replicated blocks onto newly
// discovered peers, evicts disappeared peers out of quorums on a timer,
// and resigns the local node from every mutable block it owns on
// shutdown.
package rebalance

import (
	"context"
	"math/rand"
	"time"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/catalog"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/logctx"
	"github.com/infinit/memo/overlay"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/paxosclient"
	"github.com/infinit/memo/peer"
)

// work is one (address, is_new_peer) item on the rebalancer's queue
// (spec.md §4.6's "accepts (address, is_new_peer) tuples and
// deduplicates by address").
type work struct {
	addr      address.Address
	newPeer   address.NodeID
	hasPeer   bool
	evictPeer address.NodeID
	hasEvict  bool
}

// Config carries the rebalancer's tunables.
type Config struct {
	Self        address.NodeID
	Factor      int
	NodeTimeout time.Duration
	Catalog     *catalog.Catalog
	Overlay     overlay.Overlay
	Local       peer.Peer

	// BackoffFloor/BackoffCeiling bound the exponential backoff between
	// failed resignation attempts on shutdown (spec.md §4.6, floor 10ms
	// / ceiling 10s per the Open Question decision recorded in
	// DESIGN.md).
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	// MaxResignAttempts caps how many resignation attempts Stop makes for
	// one address before giving up and moving on, so a single
	// non-converging address can't block shutdown forever.
	MaxResignAttempts int
}

// Rebalancer is the actor described above. Start must be called once;
// Stop triggers resignation-on-shutdown and blocks until it completes.
type Rebalancer struct {
	logctx.Logger

	cfg Config

	actionChan chan func()
	workChan   chan work
	queued     map[address.Address]struct{}

	evictTimers map[address.NodeID]*time.Timer

	done chan struct{}
}

// New constructs a Rebalancer from cfg, filling in backoff defaults if
// unset.
func New(cfg Config) *Rebalancer {
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = 10 * time.Millisecond
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 10 * time.Second
	}
	if cfg.MaxResignAttempts <= 0 {
		cfg.MaxResignAttempts = 5
	}
	r := &Rebalancer{
		Logger:      logctx.New("rebalance.Rebalancer", nil),
		cfg:         cfg,
		actionChan:  make(chan func(), 256),
		workChan:    make(chan work, 256),
		queued:      make(map[address.Address]struct{}),
		evictTimers: make(map[address.NodeID]*time.Timer),
		done:        make(chan struct{}),
	}
	return r
}

// Start launches the rebalancer's loop goroutine and subscribes to
// overlay discover/disappear events.
func (r *Rebalancer) Start() {
	r.cfg.Overlay.OnDiscover(func(id address.NodeID) {
		r.actionChan <- func() { r.onDiscover(id) }
	})
	r.cfg.Overlay.OnDisappear(func(id address.NodeID) {
		r.actionChan <- func() { r.onDisappear(id) }
	})
	go r.loop()
}

// Schedule enqueues addr for rebalancing (spec.md §4.6 work source 1:
// under-replication discovered after load/confirm/eviction). Safe to
// call from any goroutine, typically catalog.Catalog's onUnderReplicated
// hook.
func (r *Rebalancer) Schedule(ur catalog.UnderReplicated) {
	r.actionChan <- func() { r.enqueue(work{addr: ur.Addr}) }
}

func (r *Rebalancer) enqueue(w work) {
	if _, already := r.queued[w.addr]; already {
		return
	}
	r.queued[w.addr] = struct{}{}
	select {
	case r.workChan <- w:
	default:
		// Work channel full; drop the dedup marker so a later Schedule,
		// discover or eviction can enqueue the address again. Nothing
		// re-enqueues it on its own.
		delete(r.queued, w.addr)
	}
}

func (r *Rebalancer) onDiscover(id address.NodeID) {
	if timer, ok := r.evictTimers[id]; ok {
		timer.Stop()
		delete(r.evictTimers, id)
	}
	for _, addr := range r.cfg.Catalog.All() {
		entry, ok := r.cfg.Catalog.Lookup(addr)
		if !ok || entry.Quorum.Contains(id) || len(entry.Quorum) >= r.cfg.Factor {
			continue
		}
		r.enqueue(work{addr: addr, newPeer: id, hasPeer: true})
	}
}

func (r *Rebalancer) onDisappear(id address.NodeID) {
	timer := time.AfterFunc(r.cfg.NodeTimeout, func() {
		r.actionChan <- func() { r.evict(id) }
	})
	r.evictTimers[id] = timer
}

func (r *Rebalancer) evict(id address.NodeID) {
	delete(r.evictTimers, id)
	for _, addr := range r.cfg.Catalog.AddressesFor(id) {
		r.enqueue(work{addr: addr, evictPeer: id, hasEvict: true})
	}
}

// loop is the rebalancer's single-threaded actor body, processing the
// action channel (discover/disappear/schedule callbacks) and the work
// queue in the same goroutine so no two rebalance operations for this
// node ever run concurrently.
func (r *Rebalancer) loop() {
	ctx := context.Background()
	for {
		select {
		case action, ok := <-r.actionChan:
			if !ok {
				return
			}
			action()
		case w, ok := <-r.workChan:
			if !ok {
				return
			}
			delete(r.queued, w.addr)
			r.process(ctx, w)
		case <-r.done:
			return
		}
	}
}

func (r *Rebalancer) process(ctx context.Context, w work) {
	entry, ok := r.cfg.Catalog.Lookup(w.addr)
	if !ok {
		return
	}
	newQuorum := entry.Quorum
	if w.hasEvict {
		newQuorum = newQuorum.Without(w.evictPeer)
	}
	if w.hasPeer && !newQuorum.Contains(w.newPeer) && len(newQuorum) < r.cfg.Factor {
		newQuorum = newQuorum.With(w.newPeer)
	}
	if newQuorum.Equal(entry.Quorum) {
		return
	}

	var err error
	if entry.Immutable {
		err = r.expandImmutable(ctx, w.addr, entry.Quorum, newQuorum)
	} else {
		err = r.expandMutable(ctx, w.addr, entry.Quorum, newQuorum)
	}
	if err != nil {
		r.Warnf("rebalance %s -> %v failed: %v", w.addr, newQuorum, err)
		return
	}

	if updated, ok := r.cfg.Catalog.Lookup(w.addr); ok && len(updated.Quorum) < r.cfg.Factor {
		r.enqueue(work{addr: w.addr})
	}
}

// expandImmutable implements spec.md §4.6's immutable path: store the
// block on the new member(s), then confirm the membership expansion.
func (r *Rebalancer) expandImmutable(ctx context.Context, addr address.Address, oldQuorum, newQuorum paxos.Quorum) error {
	b, err := r.cfg.Local.Fetch(ctx, addr, nil)
	if err != nil {
		return err
	}
	targets, err := r.cfg.Overlay.LookupNodes(ctx, newQuorum)
	if err != nil {
		return err
	}
	for id, p := range targets {
		if oldQuorum.Contains(id) {
			continue
		}
		if err := p.Store(ctx, b, peer.ModeInsert); err != nil {
			r.Debugf("expand immutable %s to %s failed: %v", addr, id, err)
			continue
		}
		if err := p.Confirm(ctx, newQuorum, addr, paxos.Proposal{}); err != nil {
			r.Debugf("confirm expansion %s to %s failed: %v", addr, id, err)
		}
	}
	r.cfg.Catalog.Track(addr, true, newQuorum)
	return nil
}

// expandMutable implements spec.md §4.6's mutable path: elect the new
// membership via Paxos, then propagate the current value to members
// that were not in the old quorum.
func (r *Rebalancer) expandMutable(ctx context.Context, addr address.Address, oldQuorum, newQuorum paxos.Quorum) error {
	client, err := paxosclient.New(ctx, r.cfg.Self, addr, oldQuorum, r.cfg.Overlay)
	if err != nil {
		return err
	}
	state, err := client.State(ctx)
	if err != nil {
		return err
	}
	version := uint64(0)
	if state != nil {
		version = state.Proposal.Version
	}

	chosen, err := client.Choose(ctx, version+1, paxos.QuorumValue(newQuorum), false)
	if err != nil {
		return err
	}
	if chosen != nil {
		// Another value won the round; don't propagate ours, the next
		// rebalance pass will re-evaluate.
		return nil
	}

	if state == nil || state.Value.IsQuorum {
		return nil
	}
	targets, err := r.cfg.Overlay.LookupNodes(ctx, newQuorum)
	if err != nil {
		return err
	}
	proposal := paxos.Proposal{Version: version + 1, Proposer: r.cfg.Self, Round: uint64(rand.Int63n(1<<32)) + 1}
	for id, p := range targets {
		if oldQuorum.Contains(id) {
			continue
		}
		if !codec.PropagateSupported(p.Version()) {
			// A peer predating the propagate fast path (spec.md §6) has
			// to be brought up to date with a real propose/accept/confirm
			// round instead of the single-RPC shortcut.
			if _, err := p.Propose(ctx, newQuorum, addr, proposal, true); err != nil {
				r.Debugf("legacy expand propose %s to %s failed: %v", addr, id, err)
				continue
			}
			if _, err := p.Accept(ctx, newQuorum, addr, proposal, state.Value); err != nil {
				r.Debugf("legacy expand accept %s to %s failed: %v", addr, id, err)
				continue
			}
			if err := p.Confirm(ctx, newQuorum, addr, proposal); err != nil {
				r.Debugf("legacy expand confirm %s to %s failed: %v", addr, id, err)
			}
			continue
		}
		if err := p.Propagate(ctx, newQuorum, state.Value, proposal); err != nil {
			r.Debugf("propagate %s to %s failed: %v", addr, id, err)
		}
	}
	return nil
}

// Stop resigns the local node from every mutable block it still owns
// (spec.md §4.6 "Resignation on shutdown"), retrying failures with
// exponential backoff between BackoffFloor and BackoffCeiling, then
// stops the actor loop.
func (r *Rebalancer) Stop(ctx context.Context) {
	for _, addr := range r.cfg.Catalog.OwnedMutable(r.cfg.Self) {
		r.resign(ctx, addr)
	}
	close(r.done)
}

func (r *Rebalancer) resign(ctx context.Context, addr address.Address) {
	backoff := r.cfg.BackoffFloor
	for attempt := 0; attempt < r.cfg.MaxResignAttempts; attempt++ {
		entry, ok := r.cfg.Catalog.Lookup(addr)
		if !ok || !entry.Quorum.Contains(r.cfg.Self) {
			return
		}
		newQuorum := entry.Quorum.Without(r.cfg.Self)
		if err := r.expandMutable(ctx, addr, entry.Quorum, newQuorum); err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > r.cfg.BackoffCeiling {
			backoff = r.cfg.BackoffCeiling
		}
	}
	r.Warnf("resign %s did not converge after %d attempts, giving up", addr, r.cfg.MaxResignAttempts)
}
