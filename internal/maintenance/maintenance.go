// Package maintenance runs the background housekeeping jobs: periodic
// tracker flushes to the persistence driver and a daily trust snapshot so
// decay is visible in the stored state.
package maintenance

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"dispatch/internal/calibration"
	"dispatch/internal/persistence"
	"dispatch/internal/stats"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// Schedules. Flushes are frequent and cheap; the trust snapshot only needs
// to capture decay once a day.
const (
	flushSchedule         = "@every 1m"
	trustSnapshotSchedule = "@daily"
)

// Manager owns the cron jobs.
type Manager struct {
	cron   *cron.Cron
	driver persistence.Driver

	calibration *calibration.Store
	variance    *variance.Tracker
	trust       *trust.Tracker
	stats       *stats.Tracker

	mu      sync.Mutex
	started bool
}

// New creates a manager. Any tracker may be nil; its flush is skipped.
func New(driver persistence.Driver, cal *calibration.Store, vt *variance.Tracker, tr *trust.Tracker, st *stats.Tracker) *Manager {
	return &Manager{
		cron:        cron.New(),
		driver:      driver,
		calibration: cal,
		variance:    vt,
		trust:       tr,
		stats:       st,
	}
}

// Start registers and starts the jobs. Idempotent.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if _, err := m.cron.AddFunc(flushSchedule, m.Flush); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(trustSnapshotSchedule, m.snapshotTrust); err != nil {
		return err
	}

	m.cron.Start()
	m.started = true
	log.Printf("[Maintenance] Started (flush %s, trust snapshot %s)", flushSchedule, trustSnapshotSchedule)
	return nil
}

// Stop halts the jobs and performs a final flush.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.started = false
	m.Flush()
	log.Printf("[Maintenance] Stopped")
}

// Flush writes every tracker snapshot. Persistence errors are logged and
// swallowed; they must never affect run outcomes.
func (m *Manager) Flush() {
	if m.driver == nil {
		return
	}
	if m.calibration != nil {
		if err := m.driver.SaveCalibration(m.calibration.Snapshot()); err != nil {
			log.Printf("[Maintenance] Calibration flush failed: %v", err)
		}
	}
	if m.variance != nil {
		if err := m.driver.SaveVariance(m.variance.Snapshot()); err != nil {
			log.Printf("[Maintenance] Variance flush failed: %v", err)
		}
	}
	if m.trust != nil {
		if err := m.driver.SaveTrust(m.trust.Snapshot()); err != nil {
			log.Printf("[Maintenance] Trust flush failed: %v", err)
		}
	}
	if m.stats != nil {
		if err := m.driver.SaveModelStats(m.stats.Snapshot()); err != nil {
			log.Printf("[Maintenance] Model stats flush failed: %v", err)
		}
	}
}

// snapshotTrust persists the decayed trust view so long idle periods are
// reflected in storage, not just at read time.
func (m *Manager) snapshotTrust() {
	if m.driver == nil || m.trust == nil {
		return
	}
	if err := m.driver.SaveTrust(m.trust.Snapshot()); err != nil {
		log.Printf("[Maintenance] Trust snapshot failed: %v", err)
	}
}

// Restore loads persisted tracker state back into the live trackers at
// startup. Missing state is not an error.
func (m *Manager) Restore() {
	if m.driver == nil {
		return
	}
	if m.calibration != nil {
		if snap, err := m.driver.LoadCalibration(); err == nil && len(snap) > 0 {
			m.calibration.Load(snap)
		} else if err != nil {
			log.Printf("[Maintenance] Calibration restore failed: %v", err)
		}
	}
	if m.variance != nil {
		if snap, err := m.driver.LoadVariance(); err == nil && len(snap) > 0 {
			m.variance.Load(snap)
		} else if err != nil {
			log.Printf("[Maintenance] Variance restore failed: %v", err)
		}
	}
	if m.trust != nil {
		if snap, err := m.driver.LoadTrust(); err == nil && len(snap) > 0 {
			m.trust.Load(snap)
		} else if err != nil {
			log.Printf("[Maintenance] Trust restore failed: %v", err)
		}
	}
	if m.stats != nil {
		if snap, err := m.driver.LoadModelStats(); err == nil && len(snap) > 0 {
			m.stats.Load(snap)
		} else if err != nil {
			log.Printf("[Maintenance] Model stats restore failed: %v", err)
		}
	}
}
