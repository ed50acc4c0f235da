// Package toggle persists run-time feature flags to a small JSON file.
//
// The file is read by many components (engine, forecast client, CLI) and
// written rarely. Readers call Load at the start of every cycle — there is
// deliberately no in-process cache, so a flag flipped by the CLI takes effect
// on the next cycle. Writes use atomic file replacement (write to .tmp, then
// rename) so readers always observe either the prior or the next complete
// state.
package toggle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StationCalibration enables the (month, hour) forecast bias correction.
const StationCalibration = "station_calibration"

// State is one complete flag set.
type State map[string]bool

// Enabled reports whether a flag is set. Unknown flags are off.
func (s State) Enabled(flag string) bool {
	return s[flag]
}

// Load reads the toggle file. A missing file is not an error: all flags
// default to off.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return nil, fmt.Errorf("read toggles: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal toggles: %w", err)
	}
	if st == nil {
		st = State{}
	}
	return st, nil
}

// Set flips one flag and atomically replaces the file, returning the new
// complete state. The parent directory is created on demand.
func Set(path, flag string, value bool) (State, error) {
	st, err := Load(path)
	if err != nil {
		return nil, err
	}
	st[flag] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create toggle dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal toggles: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write toggles: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("replace toggles: %w", err)
	}
	return st, nil
}
