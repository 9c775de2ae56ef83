package paxos

import (
	"errors"
	"fmt"
	"sync"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/logctx"
	"github.com/infinit/memo/silo"
)

// ErrNoState is returned by Propose when the address has no persisted
// state and the caller did not set the insert flag; Remove wraps it when
// there is no accepted block to remove.
var ErrNoState = errors.New("paxos: no state for address, and insert not requested")

// ConfirmEvent is delivered to a Server's onConfirm hook after a
// successful Confirm, letting the catalog update its indexes and decide
// whether to schedule rebalancing — spec.md §4.4's "update the
// block-repartition index, and if the resulting quorum size is below the
// replication factor, schedule the address for rebalancing."
type ConfirmEvent struct {
	Addr      address.Address
	Decision  Decision
	SelfEvict bool
}

// Server is a single-address Paxos acceptor: spec.md §4.3's "Local peer
// owns a Silo and a PaxosServer instance per loaded address." One Server
// exists per address a LocalPeer currently has loaded; the LocalPeer's
// bounded LRU of Servers is the "Decision cache" of spec.md §3.
type Server struct {
	logctx.Logger

	addr   address.Address
	self   address.NodeID
	factor int
	store  silo.Silo
	signer block.Signer

	onConfirm func(ConfirmEvent)

	mu       sync.Mutex
	decision Decision
	loaded   bool
}

// NewServer constructs a Server for addr. self is this node's id, used to
// detect self-eviction on Confirm. factor is the replication factor used
// to decide whether a confirmed quorum is under-replicated.
func NewServer(addr address.Address, self address.NodeID, factor int, store silo.Silo, signer block.Signer, onConfirm func(ConfirmEvent)) *Server {
	return &Server{
		Logger:    logctx.New("paxos.Server", nil).WithField("addr", addr.String()),
		addr:      addr,
		self:      self,
		factor:    factor,
		store:     store,
		signer:    signer,
		onConfirm: onConfirm,
	}
}

// Load reads any previously persisted Decision for this address from the
// Silo. It is idempotent and safe to call before every RPC; a LocalPeer
// calls it once when the Server is first instantiated.
func (s *Server) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Server) load() error {
	if s.loaded {
		return nil
	}
	data, err := s.store.Get(s.addr)
	if errors.Is(err, silo.ErrMissingKey) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	var d Decision
	if err := codec.Decode(codec.Context{Version: codec.Current}, data, &d); err != nil {
		return err
	}
	s.decision = d
	s.loaded = true
	return nil
}

func (s *Server) persistLocked() error {
	data, err := codec.Encode(codec.Context{Version: codec.Current}, s.decision)
	if err != nil {
		return err
	}
	return s.store.Set(s.addr, data, false, false)
}

// PromiseResult is the reply to Propose.
type PromiseResult struct {
	Accepted       Accepted // current accepted value, if any
	HasPrevious    bool     // server already held a previous value before this propose
}

// Propose is the Paxos "Prepare" phase (spec.md §4.4). If the caller's
// quorum doesn't match the server's current quorum, it raises WrongQuorum.
// If insert is set and no state exists, state is initialized with quorum
// q first.
func (s *Server) Propose(q Quorum, p Proposal, insert bool) (PromiseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return PromiseResult{}, err
	}

	hadState := s.decision.Quorum != nil || s.decision.Current.Valid()
	if !hadState {
		if !insert {
			return PromiseResult{}, ErrNoState
		}
		s.decision.Quorum = q
	} else if !s.decision.Quorum.Equal(q) {
		return PromiseResult{}, &errs.WrongQuorum{Expected: s.decision.Quorum}
	}

	if s.decision.Promised.Precedes(p) || !s.decision.Promised.Valid() {
		s.decision.Promised = p
	}

	result := PromiseResult{
		Accepted:    s.decision.Current,
		HasPrevious: s.decision.Previous.Valid(),
	}
	if err := s.persistLocked(); err != nil {
		return PromiseResult{}, err
	}
	return result, nil
}

// Accept is the Paxos "Accept" phase (spec.md §4.4). It validates the
// value in isolation, raising ValidationFailed if that fails, and, if a
// previous accepted value exists, against that previous value, raising
// Conflict if the transition is rejected. It
// returns the highest proposal seen so far (so a proposer can detect it
// has been superseded).
func (s *Server) Accept(q Quorum, p Proposal, v Value) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Proposal{}, err
	}
	if s.decision.Quorum != nil && !s.decision.Quorum.Equal(q) {
		return s.decision.Promised, &errs.WrongQuorum{Expected: s.decision.Quorum}
	}

	if s.decision.Promised.Valid() && p.Precedes(s.decision.Promised) {
		// A faster proposer already holds a later promise on this
		// acceptor; ignore this stale accept rather than clobbering
		// Current (the classic Paxos acceptor safety check). The
		// returned Promised lets the caller detect it has been
		// superseded.
		return s.decision.Promised, nil
	}

	if !v.IsQuorum && v.Block != nil {
		if err := block.Validate(v.Block, s.signer); err != nil {
			return s.decision.Promised, &errs.ValidationFailed{Reason: err}
		}
		if s.decision.Current.Valid() && !s.decision.Current.Value.IsQuorum && s.decision.Current.Value.Block != nil {
			if err := block.ValidateTransition(s.decision.Current.Value.Block, v.Block); err != nil {
				return s.decision.Promised, &errs.Conflict{Current: s.decision.Current.Value}
			}
		}
	}

	s.decision.Previous = s.decision.Current
	s.decision.Current = Accepted{Proposal: p, Value: v}
	if s.decision.Promised.Precedes(p) {
		s.decision.Promised = p
	}

	if err := s.persistLocked(); err != nil {
		return Proposal{}, err
	}
	return s.decision.Promised, nil
}

// Confirm finalizes the accepted value for proposal p (spec.md §4.4). If
// the confirmed value is a quorum excluding self, local state for the
// address is removed (self-eviction); a quorum that keeps self becomes
// the decision's quorum. If it is a block, the quorum is left as it is and
// the decision is persisted. In every case onConfirm is then invoked so
// the catalog can refresh its indexes and schedule rebalancing if
// under-replicated.
func (s *Server) Confirm(q Quorum, p Proposal) error {
	s.mu.Lock()

	if err := s.load(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.decision.Quorum != nil && !s.decision.Quorum.Equal(q) {
		defer s.mu.Unlock()
		return &errs.WrongQuorum{Expected: s.decision.Quorum}
	}
	if !s.decision.Current.Proposal.Equal(p) {
		// Nothing to confirm under this proposal; idempotent no-op,
		// matching spec.md's "best-effort for completeness" broadcast.
		s.mu.Unlock()
		return nil
	}

	s.decision.Current.Confirmed = true

	if s.decision.Current.Value.IsQuorum {
		newQuorum := s.decision.Current.Value.Quorum
		selfEvicted := !newQuorum.Contains(s.self)
		s.decision.Quorum = newQuorum
		s.decision.PendingQuorum = nil

		event := ConfirmEvent{Addr: s.addr, Decision: s.decision, SelfEvict: selfEvicted}
		if selfEvicted {
			// Remove local state for this address entirely.
			s.decision = Decision{}
			s.loaded = false
			s.mu.Unlock()
			if err := s.store.Erase(event.Addr); err != nil && !errors.Is(err, silo.ErrMissingKey) {
				return err
			}
			if s.onConfirm != nil {
				s.onConfirm(event)
			}
			return nil
		}
		if err := s.persistLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		if s.onConfirm != nil {
			s.onConfirm(event)
		}
		return nil
	}

	// Block value: update quorum bookkeeping (the quorum itself did not
	// change, but the catalog still wants to know the current block
	// version landed) and persist.
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	event := ConfirmEvent{Addr: s.addr, Decision: s.decision}
	s.mu.Unlock()
	if s.onConfirm != nil {
		s.onConfirm(event)
	}
	return nil
}

// Get returns the current accepted record for addr, or nil if none
// exists. If the current value is a block whose version equals
// localVersion, the block payload is elided to save bandwidth (the
// caller already has that exact version).
func (s *Server) Get(q Quorum, localVersion *uint64) (*Accepted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.decision.Quorum != nil && !s.decision.Quorum.Equal(q) {
		return nil, &errs.WrongQuorum{Expected: s.decision.Quorum}
	}
	if !s.decision.Current.Valid() {
		return nil, nil
	}
	acc := s.decision.Current
	if localVersion != nil && !acc.Value.IsQuorum && acc.Value.Block != nil &&
		acc.Value.Block.Version() == *localVersion {
		elided := acc
		elided.Value = Value{IsQuorum: acc.Value.IsQuorum}
		return &elided, nil
	}
	return &acc, nil
}

// CurrentQuorum returns the quorum currently recorded for this address,
// and whether any state is loaded at all.
func (s *Server) CurrentQuorum() (Quorum, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, false
	}
	return s.decision.Quorum, s.decision.Quorum != nil
}

// UnderReplicated reports whether the current quorum is smaller than the
// replication factor.
func (s *Server) UnderReplicated() bool {
	q, ok := s.CurrentQuorum()
	return ok && len(q) < s.factor
}

// Propagate seeds a block into a new quorum member without re-running
// Paxos: the receiver installs the quorum, records the value, and
// synthesizes {propose, accept, confirm} locally with the sender's
// proposal, skipping network rounds (spec.md §4.4 "On propagate").
func (s *Server) Propagate(q Quorum, v Value, p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decision = Decision{
		Quorum:  q,
		Promised: p,
		Current: Accepted{Proposal: p, Value: v, Confirmed: true},
	}
	s.loaded = true
	return s.persistLocked()
}

// Remove validates removeSignature against the last accepted block and,
// if it checks out, erases local state (spec.md §4.4 "On remove").
func (s *Server) Remove(removeSignature []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	if !s.decision.Current.Valid() || s.decision.Current.Value.IsQuorum || s.decision.Current.Value.Block == nil {
		return fmt.Errorf("paxos: remove: %w", ErrNoState)
	}
	if err := block.ValidateRemove(s.decision.Current.Value.Block, removeSignature, s.signer); err != nil {
		return &errs.ValidationFailed{Reason: err}
	}
	s.decision = Decision{}
	s.loaded = false
	if err := s.store.Erase(s.addr); err != nil && !errors.Is(err, silo.ErrMissingKey) {
		return err
	}
	return nil
}

// Reconcile asks the server to recheck a locally referenced address the
// caller believes absent; it returns true only if it removed stale state,
// and false if stillExpected is set or the server held no accepted value
// (spec.md glossary "Reconcile").
func (s *Server) Reconcile(stillExpected bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	if stillExpected {
		return false, nil
	}
	if !s.decision.Current.Valid() {
		return false, nil
	}
	s.decision = Decision{}
	s.loaded = false
	if err := s.store.Erase(s.addr); err != nil && !errors.Is(err, silo.ErrMissingKey) {
		return false, err
	}
	return true, nil
}
