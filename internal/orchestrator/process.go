package orchestrator

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
)

// PausedProcess is one suspended external process, recorded as a plain
// JSON file. The daemon only keeps the ledger; the external process
// manager does the actual suspending.
type PausedProcess struct {
	ProcID   string         `json:"procId"`
	PausedAt time.Time      `json:"pausedAt"`
	Meta     map[string]any `json:"meta,omitempty"`
}

func validProcID(id string) error {
	if id == "" {
		return fault.New(fault.Validation, "procId is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fault.New(fault.Validation, "procId %q is not a plain token", id)
	}
	return nil
}

// PauseProcess records a pause. Re-pausing an already paused process
// overwrites its record.
func (o *Orchestrator) PauseProcess(procID string, meta map[string]any) (PausedProcess, error) {
	if err := validProcID(procID); err != nil {
		return PausedProcess{}, err
	}
	p := PausedProcess{ProcID: procID, PausedAt: o.clk.Now(), Meta: meta}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return PausedProcess{}, err
	}
	dir := o.layout.PausedProcessesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PausedProcess{}, err
	}
	if err := os.WriteFile(o.layout.PausedProcessFile(procID), data, 0o644); err != nil { //nolint:gosec
		return PausedProcess{}, err
	}
	log.Info(log.CatState, "process pause recorded", "proc", procID)
	return p, nil
}

// ResumeProcess removes the pause record. Returns false when no record
// existed.
func (o *Orchestrator) ResumeProcess(procID string) (bool, error) {
	if err := validProcID(procID); err != nil {
		return false, err
	}
	err := os.Remove(o.layout.PausedProcessFile(procID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Info(log.CatState, "process pause cleared", "proc", procID)
	return true, nil
}

// PausedProcesses enumerates the ledger, oldest pause first. Records
// that no longer parse are skipped with a warning.
func (o *Orchestrator) PausedProcesses() ([]PausedProcess, error) {
	entries, err := os.ReadDir(o.layout.PausedProcessesDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []PausedProcess
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.layout.PausedProcessesDir(), e.Name()))
		if err != nil {
			log.Warn(log.CatState, "pause record unreadable", "file", e.Name(), "error", err)
			continue
		}
		var p PausedProcess
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn(log.CatState, "pause record malformed", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PausedAt.Before(out[j].PausedAt) })
	return out, nil
}
