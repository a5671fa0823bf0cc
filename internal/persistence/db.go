package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dispatch/internal/calibration"
	"dispatch/internal/database"
	"dispatch/internal/derr"
	"dispatch/internal/ledger"
	"dispatch/internal/runner"
	"dispatch/internal/stats"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// DBDriver persists to sqlite. Snapshot keys live in app_config; runs,
// ledgers, governance events, and project runs live in parallel tables.
type DBDriver struct {
	db *sql.DB
}

// NewDBDriver opens (or creates) the sqlite database and applies pending
// migrations.
func NewDBDriver(path string) (*DBDriver, error) {
	if path == "" {
		path = "dispatch.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := database.ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DBDriver{db: db}, nil
}

func (d *DBDriver) setConfig(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, key, string(data), time.Now().UTC())
	return err
}

// getConfig decodes an app_config value into out; a missing key leaves out
// empty.
func (d *DBDriver) getConfig(key string, out any) error {
	var raw string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

func (d *DBDriver) AppendRun(res runner.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = d.db.Exec("INSERT INTO run_events (task_id, payload) VALUES (?, ?)", res.TaskID, string(payload))
	return err
}

func (d *DBDriver) AppendGovernance(ev GovernanceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = d.db.Exec("INSERT INTO governance_events (payload) VALUES (?)", string(payload))
	return err
}

func (d *DBDriver) SaveCalibration(snapshot map[string]calibration.Record) error {
	return d.setConfig(keyCalibration, snapshot)
}

func (d *DBDriver) LoadCalibration() (map[string]calibration.Record, error) {
	out := map[string]calibration.Record{}
	err := d.getConfig(keyCalibration, &out)
	return out, err
}

func (d *DBDriver) SaveVariance(snapshot map[string]variance.Bucket) error {
	return d.setConfig(keyVariance, snapshot)
}

func (d *DBDriver) LoadVariance() (map[string]variance.Bucket, error) {
	out := map[string]variance.Bucket{}
	err := d.getConfig(keyVariance, &out)
	return out, err
}

func (d *DBDriver) SaveTrust(snapshot map[string]trust.Entry) error {
	return d.setConfig(keyTrust, snapshot)
}

func (d *DBDriver) LoadTrust() (map[string]trust.Entry, error) {
	out := map[string]trust.Entry{}
	err := d.getConfig(keyTrust, &out)
	return out, err
}

func (d *DBDriver) SaveModelStats(snapshot map[string]stats.ModelStats) error {
	return d.setConfig(keyModelStats, snapshot)
}

func (d *DBDriver) LoadModelStats() (map[string]stats.ModelStats, error) {
	out := map[string]stats.ModelStats{}
	err := d.getConfig(keyModelStats, &out)
	return out, err
}

func (d *DBDriver) SaveProjectRun(runSessionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT INTO project_runs (run_session_id, payload) VALUES (?, ?)
		ON CONFLICT(run_session_id) DO UPDATE SET payload=excluded.payload
	`, runSessionID, string(data))
	return err
}

func (d *DBDriver) LoadProjectRun(runSessionID string) ([]byte, error) {
	var raw string
	err := d.db.QueryRow("SELECT payload FROM project_runs WHERE run_session_id = ?", runSessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, derr.Newf(derr.CodeNotFound, "run session %q not found", runSessionID)
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// SaveLedger stores a finalized ledger in the project_runs payload space
// keyed by session id with a ledger suffix, keeping the table count small.
func (d *DBDriver) SaveLedger(entry ledger.Entry) error {
	return d.SaveProjectRun(entry.RunSessionID+":ledger", entry)
}

func (d *DBDriver) LoadLedgers() ([]ledger.Entry, error) {
	rows, err := d.db.Query("SELECT payload FROM project_runs WHERE run_session_id LIKE '%:ledger' ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return out, err
		}
		var e ledger.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DBDriver) Close() error { return d.db.Close() }
