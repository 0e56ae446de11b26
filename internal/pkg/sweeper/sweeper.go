package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/billing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/cache"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/waitlist"
)

const (
	// DefaultRetryInterval is how often due payment retries are swept.
	DefaultRetryInterval = 2 * time.Minute
	// DefaultClaimInterval is how often lapsed claim windows are swept.
	DefaultClaimInterval = 15 * time.Minute

	lockRetrySweep = "sweep:payment-retry"
	lockClaimSweep = "sweep:claim-expiry"
)

// Manager runs the periodic background sweeps: payment retries and claim
// window expiry. Sweeps never share in-process state with request handlers;
// everything goes through the store. A redis lock keeps multiple instances
// from sweeping at once, and the sweeps themselves are idempotent in case
// the lock ever fails open.
type Manager struct {
	billing  *billing.Service
	waitlist *waitlist.Manager

	retryInterval time.Duration
	claimInterval time.Duration

	retryTicker *time.Ticker
	claimTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewManager(billingSvc *billing.Service, waitlistMgr *waitlist.Manager, retryInterval, claimInterval time.Duration) *Manager {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if claimInterval <= 0 {
		claimInterval = DefaultClaimInterval
	}
	return &Manager{
		billing:       billingSvc,
		waitlist:      waitlistMgr,
		retryInterval: retryInterval,
		claimInterval: claimInterval,
	}
}

// Start launches the sweep workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Sweeper] Starting background sweeps")

	m.retryTicker = time.NewTicker(m.retryInterval)
	m.wg.Add(1)
	go m.retryWorker()

	m.claimTicker = time.NewTicker(m.claimInterval)
	m.wg.Add(1)
	go m.claimWorker()
}

// Stop shuts the sweep workers down and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[Sweeper] Stopping background sweeps...")

	if m.retryTicker != nil {
		m.retryTicker.Stop()
	}
	if m.claimTicker != nil {
		m.claimTicker.Stop()
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Sweeper] Stopped")
}

// IsRunning reports whether the sweeps are active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) retryWorker() {
	defer m.wg.Done()
	log.Infof("[Sweeper] Started payment retry worker (interval: %s)", m.retryInterval)
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweeper] Payment retry worker stopping")
			return
		case <-m.retryTicker.C:
			if err := m.RunRetrySweepOnce(); err != nil {
				log.Errorf("[Sweeper] Payment retry sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) claimWorker() {
	defer m.wg.Done()
	log.Infof("[Sweeper] Started claim expiry worker (interval: %s)", m.claimInterval)
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweeper] Claim expiry worker stopping")
			return
		case <-m.claimTicker.C:
			if err := m.RunClaimSweepOnce(); err != nil {
				log.Errorf("[Sweeper] Claim expiry sweep error: %v", err)
			}
		}
	}
}

// RunRetrySweepOnce processes all due payment retries. Also usable as a
// manual admin trigger.
func (m *Manager) RunRetrySweepOnce() error {
	return m.withLock(lockRetrySweep, m.retryInterval, func(ctx context.Context) error {
		n, err := m.billing.RetrySweep(ctx, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			log.Infof("[Sweeper] Payment retry sweep processed %d payment(s)", n)
		}
		return nil
	})
}

// RunClaimSweepOnce drops lapsed claim windows and cascades the freed seats.
func (m *Manager) RunClaimSweepOnce() error {
	return m.withLock(lockClaimSweep, m.claimInterval, func(ctx context.Context) error {
		n, err := m.waitlist.ExpireSweep(ctx, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			log.Infof("[Sweeper] Claim expiry sweep cascaded %d offer(s)", n)
		}
		return nil
	})
}

func (m *Manager) withLock(key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := cache.AcquireLock(key, ttl)
	if err != nil {
		return err
	}
	if token == "" {
		// Another instance holds the sweep.
		return nil
	}
	defer func() {
		if err := cache.ReleaseLock(key, token); err != nil {
			log.Warnf("[Sweeper] Releasing lock %s failed: %v", key, err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()
	return fn(ctx)
}
