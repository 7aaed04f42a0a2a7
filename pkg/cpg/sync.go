package cpg

import (
	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
)

// Name identifies this service to syncbarrier.Registry.
func (s *Service) Name() string { return "cpg" }

// SyncInit begins the JOINLIST exchange for a new ring: every node
// advertises its own locally-hosted records so peers can rebuild group
// lists after a ring transition (§4.8 "JOINLIST: sent once by each node
// at sync").
func (s *Service) SyncInit(ring nodeid.RingID, members nodeid.Set) error {
	s.mu.Lock()
	s.ring = ring
	s.members = members
	s.joinlistPeers = map[nodeid.ID]bool{s.localID: true}
	var toAdvertise []struct {
		group  string
		record Record
	}
	for _, cd := range s.clients {
		for g, st := range cd.joins {
			if st == constants.CPGJoinCompleted || st == constants.CPGJoinStarted {
				toAdvertise = append(toAdvertise, struct {
					group  string
					record Record
				}{g, Record{Node: cd.localID, Pid: cd.pid}})
			}
		}
	}
	s.mu.Unlock()

	for _, a := range toAdvertise {
		if err := s.send.SendCPG(constants.CPGJoinList, encodeProcEvent(a.group, a.record, 0)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.joinlistSent = true
	s.mu.Unlock()
	return nil
}

// SyncProcess reports done once every current ring member has been
// heard from in the JOINLIST exchange.
func (s *Service) SyncProcess() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joinlistSent {
		return false, nil
	}
	for _, id := range s.members.Members() {
		if !s.joinlistPeers[id] {
			return false, nil
		}
	}
	return true, nil
}

// SyncAbort discards partial JOINLIST exchange state; the barrier will
// call SyncInit again once membership stabilizes.
func (s *Service) SyncAbort() {
	s.mu.Lock()
	s.joinlistSent = false
	s.joinlistPeers = nil
	s.mu.Unlock()
}

// SyncActivate is a no-op here: group lists are already folded in as
// JOINLIST messages arrive, there is nothing left to commit.
func (s *Service) SyncActivate() {}

// ApplyDownlistResolution implements the canonical PROCLEAVE-equivalent
// pass of §4.7: every node computes the exact same left-nodes set via
// downlist.Reconciler and applies it here identically, without any
// further multicast, guaranteeing identical confchg streams across
// survivors.
func (s *Service) ApplyDownlistResolution(left []nodeid.ID) {
	if len(left) == 0 {
		return
	}
	leftSet := make(map[nodeid.ID]bool, len(left))
	for _, id := range left {
		leftSet[id] = true
	}

	s.mu.Lock()
	type change struct {
		group  string
		record Record
	}
	var changes []change
	for group, g := range s.groups {
		kept := g.records[:0:0]
		for _, r := range g.records {
			if leftSet[r.Node] {
				changes = append(changes, change{group, r})
				continue
			}
			kept = append(kept, r)
		}
		g.records = kept
	}
	s.mu.Unlock()

	if s.confchg == nil {
		return
	}
	byGroup := make(map[string][]Record)
	for _, c := range changes {
		byGroup[c.group] = append(byGroup[c.group], c.record)
	}
	for group, recs := range byGroup {
		s.confchg(group, nil, recs)
	}
}
