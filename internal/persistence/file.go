package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dispatch/internal/calibration"
	"dispatch/internal/derr"
	"dispatch/internal/ledger"
	"dispatch/internal/runner"
	"dispatch/internal/stats"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// FileDriver persists to a flat directory layout: JSONL logs for runs,
// governance, and ledgers; JSON snapshot files for the trackers; one JSON
// file per project run.
type FileDriver struct {
	mu      sync.Mutex
	baseDir string
	dataDir string
}

// NewFileDriver creates the directories and returns the driver. baseDir
// defaults to "runs".
func NewFileDriver(baseDir string) (*FileDriver, error) {
	if baseDir == "" {
		baseDir = "runs"
	}
	dataDir := filepath.Join(".data", "demo-runs")
	for _, dir := range []string{baseDir, dataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create persistence dir %s: %w", dir, err)
		}
	}
	return &FileDriver{baseDir: baseDir, dataDir: dataDir}, nil
}

func (f *FileDriver) appendJSONL(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(filepath.Join(f.baseDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fh.Write(append(line, '\n'))
	return err
}

func (f *FileDriver) writeJSON(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.baseDir, name), data, 0o644)
}

// readJSON decodes a snapshot file into out. A missing file is not an
// error; out is left empty.
func (f *FileDriver) readJSON(name string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.baseDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// AppendRun appends one run log line to runs.jsonl.
func (f *FileDriver) AppendRun(res runner.Result) error {
	return f.appendJSONL("runs.jsonl", res)
}

// AppendGovernance appends to the governance audit log.
func (f *FileDriver) AppendGovernance(ev GovernanceEvent) error {
	return f.appendJSONL("governance.jsonl", ev)
}

func (f *FileDriver) SaveCalibration(snapshot map[string]calibration.Record) error {
	return f.writeJSON("calibration.json", snapshot)
}

func (f *FileDriver) LoadCalibration() (map[string]calibration.Record, error) {
	out := map[string]calibration.Record{}
	err := f.readJSON("calibration.json", &out)
	return out, err
}

func (f *FileDriver) SaveVariance(snapshot map[string]variance.Bucket) error {
	return f.writeJSON("varianceStats.json", snapshot)
}

func (f *FileDriver) LoadVariance() (map[string]variance.Bucket, error) {
	out := map[string]variance.Bucket{}
	err := f.readJSON("varianceStats.json", &out)
	return out, err
}

func (f *FileDriver) SaveTrust(snapshot map[string]trust.Entry) error {
	return f.writeJSON("trust.json", snapshot)
}

func (f *FileDriver) LoadTrust() (map[string]trust.Entry, error) {
	out := map[string]trust.Entry{}
	err := f.readJSON("trust.json", &out)
	return out, err
}

func (f *FileDriver) SaveModelStats(snapshot map[string]stats.ModelStats) error {
	return f.writeJSON("modelStats.json", snapshot)
}

func (f *FileDriver) LoadModelStats() (map[string]stats.ModelStats, error) {
	out := map[string]stats.ModelStats{}
	err := f.readJSON("modelStats.json", &out)
	return out, err
}

// SaveProjectRun writes the full project run payload under the session id.
func (f *FileDriver) SaveProjectRun(runSessionID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.dataDir, runSessionID+".json"), data, 0o644)
}

// LoadProjectRun returns the raw payload for a session id.
func (f *FileDriver) LoadProjectRun(runSessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.dataDir, runSessionID+".json"))
	if os.IsNotExist(err) {
		return nil, derr.Newf(derr.CodeNotFound, "run session %q not found", runSessionID)
	}
	return data, err
}

// SaveLedger appends a finalized ledger entry.
func (f *FileDriver) SaveLedger(entry ledger.Entry) error {
	return f.appendJSONL("ledgers.jsonl", entry)
}

// LoadLedgers reads the whole ledger log for analytics windows.
func (f *FileDriver) LoadLedgers() ([]ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.baseDir, "ledgers.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []ledger.Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e ledger.Entry
		if err := dec.Decode(&e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *FileDriver) Close() error { return nil }
