package peer

import (
	"context"
	"errors"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/silo"
)

// LocalPeer owns a Silo and a paxos.Server instance per loaded address
// (spec.md §4.3), plus the immutable-block store/fetch/remove path which
// never runs Paxos at all.
type LocalPeer struct {
	self    address.NodeID
	factor  int
	store   silo.Silo
	signer  block.Signer
	cache   *decisionCache
	onConfirm func(paxos.ConfirmEvent)
}

// LocalPeerConfig carries construction parameters for a LocalPeer.
type LocalPeerConfig struct {
	Self          address.NodeID
	Factor        int
	Store         silo.Silo
	Signer        block.Signer
	CacheCapacity int
	// OnConfirm is invoked after every successful mutable-block Confirm,
	// letting the catalog update its indexes and the rebalancer decide
	// whether to schedule expansion (spec.md §4.4/§4.6).
	OnConfirm func(paxos.ConfirmEvent)
}

// NewLocalPeer constructs a LocalPeer from cfg.
func NewLocalPeer(cfg LocalPeerConfig) *LocalPeer {
	if cfg.Signer == nil {
		cfg.Signer = block.NullSigner{}
	}
	lp := &LocalPeer{
		self:      cfg.Self,
		factor:    cfg.Factor,
		store:     cfg.Store,
		signer:    cfg.Signer,
		onConfirm: cfg.OnConfirm,
	}
	lp.cache = newDecisionCache(cfg.CacheCapacity, lp.newServer)
	return lp
}

func (lp *LocalPeer) newServer(addr address.Address) *paxos.Server {
	return paxos.NewServer(addr, lp.self, lp.factor, lp.store, lp.signer, lp.onConfirm)
}

func (lp *LocalPeer) ID() address.NodeID { return lp.self }

// Version reports codec.Current: an in-process LocalPeer always speaks
// whatever version this build of the module speaks.
func (lp *LocalPeer) Version() codec.Version { return codec.Current }

func (lp *LocalPeer) Propose(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal, insert bool) (paxos.PromiseResult, error) {
	s, err := lp.cache.acquire(addr)
	if err != nil {
		return paxos.PromiseResult{}, err
	}
	defer lp.cache.release(addr)
	return s.Propose(q, p, insert)
}

func (lp *LocalPeer) Accept(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal, v paxos.Value) (paxos.Proposal, error) {
	s, err := lp.cache.acquire(addr)
	if err != nil {
		return paxos.Proposal{}, err
	}
	defer lp.cache.release(addr)
	return s.Accept(q, p, v)
}

func (lp *LocalPeer) Confirm(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal) error {
	s, err := lp.cache.acquire(addr)
	if err != nil {
		return err
	}
	defer lp.cache.release(addr)
	err = s.Confirm(q, p)
	if err == nil {
		if quorum, ok := s.CurrentQuorum(); !ok || len(quorum) == 0 {
			lp.cache.forget(addr)
		}
	}
	return err
}

func (lp *LocalPeer) Get(ctx context.Context, q paxos.Quorum, addr address.Address, localVersion *uint64) (*paxos.Accepted, error) {
	s, err := lp.cache.acquire(addr)
	if err != nil {
		return nil, err
	}
	defer lp.cache.release(addr)
	return s.Get(q, localVersion)
}

func (lp *LocalPeer) Propagate(ctx context.Context, q paxos.Quorum, addr address.Address, v paxos.Value, p paxos.Proposal) error {
	s, err := lp.cache.acquire(addr)
	if err != nil {
		return err
	}
	defer lp.cache.release(addr)
	return s.Propagate(q, v, p)
}

func (lp *LocalPeer) Reconcile(ctx context.Context, addr address.Address) (bool, error) {
	s, err := lp.cache.acquire(addr)
	if err != nil {
		return false, err
	}
	defer lp.cache.release(addr)
	removed, err := s.Reconcile(false)
	if removed {
		lp.cache.forget(addr)
	}
	return removed, err
}

// Store persists an immutable block directly: immutable blocks never run
// Paxos (spec.md §4.7 "Immutable path"). Insert requires the address not
// already hold a different payload (idempotent re-insertion per
// spec.md §3); update requires it already exist.
func (lp *LocalPeer) Store(ctx context.Context, b block.Block, mode StoreMode) error {
	if err := block.Validate(b, lp.signer); err != nil {
		return &errs.ValidationFailed{Reason: err}
	}
	addr := b.Address()
	existing, err := lp.store.Get(addr)
	switch {
	case errors.Is(err, silo.ErrMissingKey):
		if mode == ModeUpdate {
			return &errs.MissingBlock{Addr: addr}
		}
		data, encErr := encodeBlock(b)
		if encErr != nil {
			return encErr
		}
		return lp.store.Set(addr, data, true, false)
	case err != nil:
		return err
	default:
		prev, decErr := decodeBlock(existing)
		if decErr != nil {
			return decErr
		}
		if tErr := block.ValidateTransition(prev, b); tErr != nil {
			return &errs.Conflict{Current: prev}
		}
		data, encErr := encodeBlock(b)
		if encErr != nil {
			return encErr
		}
		return lp.store.Set(addr, data, false, true)
	}
}

func (lp *LocalPeer) Fetch(ctx context.Context, addr address.Address, localVersion *uint64) (block.Block, error) {
	data, err := lp.store.Get(addr)
	if errors.Is(err, silo.ErrMissingKey) {
		return nil, &errs.MissingBlock{Addr: addr}
	}
	if err != nil {
		return nil, err
	}
	return decodeBlock(data)
}

func (lp *LocalPeer) Remove(ctx context.Context, addr address.Address, removeSignature []byte) error {
	if addr.Mutable() {
		s, err := lp.cache.acquire(addr)
		if err != nil {
			return err
		}
		defer lp.cache.release(addr)
		if err := s.Remove(removeSignature); err != nil {
			return err
		}
		lp.cache.forget(addr)
		return nil
	}
	data, err := lp.store.Get(addr)
	if errors.Is(err, silo.ErrMissingKey) {
		return &errs.MissingBlock{Addr: addr}
	}
	if err != nil {
		return err
	}
	current, err := decodeBlock(data)
	if err != nil {
		return err
	}
	if err := block.ValidateRemove(current, removeSignature, lp.signer); err != nil {
		return &errs.ValidationFailed{Reason: err}
	}
	return lp.store.Erase(addr)
}
