// Package syncbarrier implements the per-service synchronization barrier
// of §4.6: at the end of recovery, every registered service runs
// sync_init then repeated sync_process calls until all report done, with
// sync_abort on membership perturbation and sync_activate on success.
package syncbarrier

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coro-totem/totemcore/pkg/nodeid"
)

// Service is anything that participates in the sync barrier — downlist
// reconciliation, CPG, the quorum feed. §4.6 names this contract as
// sync_init/sync_process/sync_abort/sync_activate.
type Service interface {
	// Name identifies the service in barrier error messages; it must be
	// unique within a Registry.
	Name() string

	// SyncInit begins a sync round for a new ring.
	SyncInit(ring nodeid.RingID, members nodeid.Set) error

	// SyncProcess is called repeatedly until it returns done=true.
	// Returning an error aborts the barrier for every service.
	SyncProcess() (done bool, err error)

	// SyncAbort is called on every service if membership perturbs
	// mid-barrier or any service errors.
	SyncAbort()

	// SyncActivate is called once every service has reported done.
	SyncActivate()
}

// Registry holds the services that participate in the barrier, in
// registration order — §4.6 iterates services in a fixed order so sync
// traffic ordering is reproducible across nodes.
type Registry struct {
	mu       sync.Mutex
	services []Service
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, s)
}

func (r *Registry) snapshot() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Service(nil), r.services...)
}

// Barrier drives one sync round across every registered service.
type Barrier struct {
	registry *Registry
	log      *logrus.Entry

	mu       sync.Mutex
	aborted  bool
}

func NewBarrier(registry *Registry, log *logrus.Entry) *Barrier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Barrier{registry: registry, log: log}
}

// Abort marks the round in progress as aborted: Run notices on its next
// poll, calls SyncAbort on every service and returns an error; the next
// Run starts a fresh round. Neither pkg/srp nor pkg/instance calls Abort,
// so a membership change during a running barrier does not abort it.
func (b *Barrier) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
}

func (b *Barrier) isAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// Run executes sync_init then repeated sync_process calls for every
// registered service until all report done, or until the context is
// cancelled, the barrier is aborted, or a service errors. On any
// failure path, sync_abort runs on every service before returning.
func (b *Barrier) Run(ctx context.Context, ring nodeid.RingID, members nodeid.Set) error {
	b.mu.Lock()
	b.aborted = false
	b.mu.Unlock()

	services := b.registry.snapshot()
	for _, s := range services {
		if err := s.SyncInit(ring, members); err != nil {
			b.abortAll(services)
			return fmt.Errorf("syncbarrier: %s sync_init: %w", s.Name(), err)
		}
	}

	remaining := make(map[string]Service, len(services))
	for _, s := range services {
		remaining[s.Name()] = s
	}

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			b.abortAll(services)
			return ctx.Err()
		default:
		}
		if b.isAborted() {
			b.abortAll(services)
			return fmt.Errorf("syncbarrier: aborted by membership perturbation")
		}

		for name, s := range remaining {
			done, err := s.SyncProcess()
			if err != nil {
				b.abortAll(services)
				return fmt.Errorf("syncbarrier: %s sync_process: %w", name, err)
			}
			if done {
				delete(remaining, name)
			}
		}
	}

	for _, s := range services {
		s.SyncActivate()
	}
	return nil
}

func (b *Barrier) abortAll(services []Service) {
	for _, s := range services {
		s.SyncAbort()
	}
}
