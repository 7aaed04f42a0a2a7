// Package quorum implements the supplemental quorum-feed service of
// SPEC_FULL.md §4.9: a thin, simple-majority membership-cardinality
// tracker that exists purely to emit the membership facts an external
// policy engine consumes, per spec.md §1's non-goal "split-brain
// prevention ... quorum is supplied by an external policy engine that
// consumes the membership events this core produces". This service is
// the emission point, not the policy: it originates no wire traffic of
// its own and reaches its verdict from confchg alone.
package quorum

import (
	"sync"

	"github.com/coro-totem/totemcore/pkg/nodeid"
)

// NotifyFunc is invoked on every confchg with the freshly recomputed
// quorum verdict (§4.9 "quorum_notification callback fired on every
// confchg").
type NotifyFunc func(quorate bool, memberCount, threshold int)

// Service tracks simple-majority quorum over the configured cluster size.
// It registers as a syncbarrier.Service purely so it appears in the same
// per-ring service-driving sequence as every other consumer (§9 "a small
// dispatch interface"); it has no sync-phase work of its own, since it
// carries no per-ring state to reconcile.
type Service struct {
	mu              sync.Mutex
	totalConfigured int
	memberCount     int
	quorate         bool
	notify          NotifyFunc
}

// NewService builds a quorum tracker for a cluster of totalConfigured
// nodes (the operator-supplied node list, not the current ring size).
func NewService(totalConfigured int, notify NotifyFunc) *Service {
	return &Service{totalConfigured: totalConfigured, notify: notify}
}

func (s *Service) Name() string { return "quorum" }

// OnConfChg recomputes the quorum verdict from the new ring's member
// count and fires NotifyFunc. Threshold is a strict majority of the
// configured cluster size; no dynamic vote weighting exists here — that
// remains the external policy engine's job (§4.9).
func (s *Service) OnConfChg(members nodeid.Set) {
	s.mu.Lock()
	s.memberCount = members.Len()
	threshold := s.totalConfigured/2 + 1
	s.quorate = s.memberCount >= threshold
	quorate, count, notify := s.quorate, s.memberCount, s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(quorate, count, threshold)
	}
}

// Get returns the current quorum verdict (§4.9 "quorum_get() ->
// (quorate, member_count, quorum_threshold)").
func (s *Service) Get() (quorate bool, memberCount, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quorate, s.memberCount, s.totalConfigured/2 + 1
}

// The sync barrier contract below is a no-op: quorum has no per-ring
// state to reconcile with peers, only a local recomputation driven by
// OnConfChg once the ring itself has settled.

func (s *Service) SyncInit(ring nodeid.RingID, members nodeid.Set) error { return nil }

func (s *Service) SyncProcess() (bool, error) { return true, nil }

func (s *Service) SyncAbort() {}

func (s *Service) SyncActivate() {}
