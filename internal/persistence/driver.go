// Package persistence flushes tracker snapshots and run logs to durable
// storage. Two drivers exist: a plain-file layout and a sqlite database.
// Persistence failures are observability losses, never run failures; callers
// log and continue.
package persistence

import (
	"dispatch/internal/calibration"
	"dispatch/internal/derr"
	"dispatch/internal/ledger"
	"dispatch/internal/runner"
	"dispatch/internal/stats"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// Driver names.
const (
	DriverFile = "file"
	DriverDB   = "db"
)

// Snapshot config keys shared by both drivers.
const (
	keyCalibration = "calibration"
	keyVariance    = "varianceStats"
	keyModelStats  = "modelStats"
	keyTrust       = "trust"
)

// GovernanceEvent is one append-only governance audit line.
type GovernanceEvent struct {
	Action  string         `json:"action"`
	ModelID string         `json:"model_id,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	TS      string         `json:"ts"`
}

// Driver is the storage contract. All methods are safe for concurrent use.
type Driver interface {
	AppendRun(res runner.Result) error
	AppendGovernance(ev GovernanceEvent) error

	SaveCalibration(snapshot map[string]calibration.Record) error
	LoadCalibration() (map[string]calibration.Record, error)
	SaveVariance(snapshot map[string]variance.Bucket) error
	LoadVariance() (map[string]variance.Bucket, error)
	SaveTrust(snapshot map[string]trust.Entry) error
	LoadTrust() (map[string]trust.Entry, error)
	SaveModelStats(snapshot map[string]stats.ModelStats) error
	LoadModelStats() (map[string]stats.ModelStats, error)

	SaveProjectRun(runSessionID string, payload any) error
	LoadProjectRun(runSessionID string) ([]byte, error)
	LoadLedgers() ([]ledger.Entry, error)
	SaveLedger(entry ledger.Entry) error

	Close() error
}

// Open creates the named driver. The file driver takes a base directory;
// the db driver takes a sqlite path.
func Open(driver, path string) (Driver, error) {
	switch driver {
	case "", DriverFile:
		return NewFileDriver(path)
	case DriverDB:
		return NewDBDriver(path)
	default:
		return nil, derr.Newf(derr.CodeValidation, "unknown persistence driver %q", driver)
	}
}
