// Package paxosclient implements the proposer/learner role of spec.md
// §4.5: Client.choose drives a single-decree Paxos round to completion
// over a snapshot of peer stubs, Client.state runs the read-only
// equivalent, and both cope with WrongQuorum (peer-set replacement via
// the overlay) and a minority-missing-block reconcile fan-out.
//
// Generalized from a gossiped any-node-decides model to an explicit RPC
// round over a bounded peer set, with independent RPCs fanned out
// concurrently via golang.org/x/sync's errgroup, bounded by WithContext's
// shared cancellation.
package paxosclient

import (
	"context"
	"errors"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/logctx"
	"github.com/infinit/memo/overlay"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/peer"
)

// Client is a proposer for a single address, constructed over a snapshot
// of peer stubs (spec.md §4.5).
type Client struct {
	logctx.Logger

	addr    address.Address
	self    address.NodeID
	overlay overlay.Overlay
	peers   map[address.NodeID]peer.Peer
	quorum  paxos.Quorum
}

// New constructs a Client for addr over the given quorum, resolving each
// member to a peer stub via ov.LookupNodes.
func New(ctx context.Context, self address.NodeID, addr address.Address, quorum paxos.Quorum, ov overlay.Overlay) (*Client, error) {
	c := &Client{
		Logger:  logctx.New("paxosclient.Client", nil).WithField("addr", addr.String()),
		addr:    addr,
		self:    self,
		overlay: ov,
		quorum:  quorum,
	}
	if err := c.refreshPeers(ctx, quorum); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) refreshPeers(ctx context.Context, quorum paxos.Quorum) error {
	resolved, err := c.overlay.LookupNodes(ctx, quorum)
	if err != nil {
		return err
	}
	c.quorum = quorum
	c.peers = resolved
	return nil
}

func (c *Client) majority() int { return len(c.quorum)/2 + 1 }

// promiseResult pairs a peer's Propose reply with the id that sent it.
type promiseResult struct {
	id     address.NodeID
	result paxos.PromiseResult
}

// Choose drives a single-decree Paxos round for value at the given
// version to completion, returning the Accepted record if some other
// value won the round instead of the caller's (spec.md §4.5 step 4), or
// nil if the caller's own value took effect.
func (c *Client) Choose(ctx context.Context, version uint64, value paxos.Value, insert bool) (*paxos.Accepted, error) {
	for {
		round := uint64(rand.Int63n(1<<32)) + 1
		proposal := paxos.Proposal{Version: version, Round: round, Proposer: c.self}

		promises, err := c.prepare(ctx, proposal, insert)
		if err != nil {
			if replaced, rerr := c.handleWrongQuorum(ctx, err); replaced {
				continue
			} else if rerr != nil {
				return nil, rerr
			}
			return nil, err
		}

		chosen := value
		var highestPrevProposal paxos.Proposal
		havePrev := false
		for _, pr := range promises {
			acc := pr.result.Accepted
			// Only a value still contesting this same decree (same or
			// higher version) must be re-adopted for safety; an
			// already-settled lower-version decree is history this
			// round is free to move past.
			if !acc.Valid() || acc.Proposal.Version < proposal.Version {
				continue
			}
			if !havePrev || highestPrevProposal.Precedes(acc.Proposal) {
				highestPrevProposal = acc.Proposal
				chosen = acc.Value
				havePrev = true
			}
		}

		highestSeen, err := c.accept(ctx, proposal, chosen)
		if err != nil {
			if replaced, rerr := c.handleWrongQuorum(ctx, err); replaced {
				continue
			} else if rerr != nil {
				return nil, rerr
			}
			return nil, err
		}
		if highestSeen.Valid() && proposal.Precedes(highestSeen) {
			// Superseded mid-round; retry with a fresh round number.
			continue
		}

		c.confirm(ctx, proposal)

		if havePrev {
			return &paxos.Accepted{Proposal: proposal, Value: chosen}, nil
		}
		return nil, nil
	}
}

// prepare runs the Prepare/Propose phase, fanning out to every known peer
// concurrently and collecting a majority.
func (c *Client) prepare(ctx context.Context, proposal paxos.Proposal, insert bool) ([]promiseResult, error) {
	results, err := c.fanOut(ctx, func(ctx context.Context, id address.NodeID, p peer.Peer) (interface{}, error) {
		r, err := p.Propose(ctx, c.quorum, c.addr, proposal, insert)
		return promiseResult{id: id, result: r}, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]promiseResult, 0, len(results))
	for _, r := range results {
		out = append(out, r.(promiseResult))
	}
	return out, nil
}

func (c *Client) accept(ctx context.Context, proposal paxos.Proposal, value paxos.Value) (paxos.Proposal, error) {
	results, err := c.fanOut(ctx, func(ctx context.Context, id address.NodeID, p peer.Peer) (interface{}, error) {
		return p.Accept(ctx, c.quorum, c.addr, proposal, value)
	})
	if err != nil {
		return paxos.Proposal{}, err
	}
	var highest paxos.Proposal
	for _, r := range results {
		seen := r.(paxos.Proposal)
		if seen.Valid() && (!highest.Valid() || highest.Precedes(seen)) {
			highest = seen
		}
	}
	return highest, nil
}

// confirm broadcasts confirm(q, p) to every peer, best-effort, per
// spec.md §4.5 step 3: failures here are logged, not surfaced. A peer
// whose negotiated version requires confirm (codec.ConfirmMandatory,
// spec.md §6) gets its failure logged at Warn instead of Debug, since an
// unconfirmed decision on such a peer is a real correctness gap rather
// than the legacy best-effort norm.
func (c *Client) confirm(ctx context.Context, proposal paxos.Proposal) {
	for id, p := range c.peers {
		if err := p.Confirm(ctx, c.quorum, c.addr, proposal); err != nil {
			if codec.ConfirmMandatory(p.Version()) {
				c.Warnf("confirm to %s failed: %v", id, err)
				continue
			}
			c.Debugf("confirm to %s failed: %v", id, err)
		}
	}
}

// State runs the read-only equivalent of Choose (spec.md §4.5): propose
// with a round-only bump, collect a majority view, and return the
// latest accepted value among the replies. If no majority answers, the
// fan-out's error is returned: TooFewPeers when the other peers gave no
// answer, MissingBlock when more than half report the block missing, or
// the last peer error otherwise.
func (c *Client) State(ctx context.Context) (*paxos.Accepted, error) {
	round := uint64(rand.Int63n(1<<32)) + 1
	proposal := paxos.Proposal{Round: round, Proposer: c.self}

	promises, err := c.prepare(ctx, proposal, false)
	if err != nil {
		if replaced, rerr := c.handleWrongQuorum(ctx, err); replaced {
			return c.State(ctx)
		} else if rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	if len(promises) < c.majority() {
		return nil, &errs.PartialState{}
	}

	var latest *paxos.Accepted
	for _, pr := range promises {
		if pr.result.Accepted.Valid() && (latest == nil || latest.Proposal.Precedes(pr.result.Accepted.Proposal)) {
			acc := pr.result.Accepted
			latest = &acc
		}
	}
	return latest, nil
}

// handleWrongQuorum implements spec.md §4.5's wrong-quorum handling: any
// WrongQuorum reply replaces the peer set via overlay.LookupNodes and
// signals the caller to restart the attempt.
func (c *Client) handleWrongQuorum(ctx context.Context, err error) (replaced bool, outErr error) {
	var wrongQuorum *errs.WrongQuorum
	if !errors.As(err, &wrongQuorum) {
		return false, err
	}
	expected, ok := wrongQuorum.Expected.(paxos.Quorum)
	if !ok {
		return false, err
	}
	if rerr := c.refreshPeers(ctx, expected); rerr != nil {
		return false, rerr
	}
	return true, nil
}

// Reconcile issues reconcile(addr) to every peer in peers that is not in
// missing, per spec.md §4.5's minority-missing-block handling.
func (c *Client) Reconcile(ctx context.Context, missing map[address.NodeID]bool) {
	for id, p := range c.peers {
		if missing[id] {
			continue
		}
		if _, err := p.Reconcile(ctx, c.addr); err != nil {
			c.Debugf("reconcile to %s failed: %v", id, err)
		}
	}
}

// fanOut calls fn concurrently over every known peer and collects every
// non-error result. It returns the results once at least a majority of
// the quorum succeeded; otherwise it returns MissingBlock if more than
// half of the peers reported the block missing (or weakly missing), else
// the last peer error, else TooFewPeers. The confirm broadcast and
// Reconcile do not go through it.
func (c *Client) fanOut(ctx context.Context, fn func(ctx context.Context, id address.NodeID, p peer.Peer) (interface{}, error)) ([]interface{}, error) {
	type outcome struct {
		value interface{}
		err   error
	}
	outcomes := make(chan outcome, len(c.peers))
	g, gctx := errgroup.WithContext(ctx)
	for id, p := range c.peers {
		id, p := id, p
		g.Go(func() error {
			v, err := fn(gctx, id, p)
			outcomes <- outcome{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)

	var results []interface{}
	var lastErr error
	var missingCount, total int
	for o := range outcomes {
		total++
		if o.err != nil {
			var missing *errs.MissingBlock
			var weak *errs.WeakError
			if errors.As(o.err, &missing) || errors.As(o.err, &weak) {
				missingCount++
			}
			lastErr = o.err
			continue
		}
		results = append(results, o.value)
	}

	if len(results) >= c.majority() {
		return results, nil
	}
	if missingCount > len(c.peers)/2 {
		return nil, &errs.MissingBlock{Addr: c.addr}
	}
	if lastErr != nil {
		return results, lastErr
	}
	return results, &errs.TooFewPeers{Have: len(results), Want: c.majority()}
}
