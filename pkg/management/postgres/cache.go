/*
Copyright The PGKeeper Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"encoding/json"
	"path/filepath"

	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// StateCacheFileName is the single-writer JSON snapshot inside the
// working directory, read back after a dead-node restart to recover
// the last known role, data directory and version
const StateCacheFileName = ".pgkeeper_db_state.cache"

// StateCache reads and writes the instance state snapshot file
type StateCache struct {
	path string
}

// NewStateCache builds a cache inside the given working directory
func NewStateCache(workingDir string) *StateCache {
	return &StateCache{path: filepath.Join(workingDir, StateCacheFileName)}
}

// Load reads the previous snapshot, nil when there is none
func (cache *StateCache) Load() *State {
	contents, err := fileutils.ReadFile(cache.path)
	if err != nil || contents == nil {
		return nil
	}
	var state State
	if err := json.Unmarshal(contents, &state); err != nil {
		log.Debug("Could not parse the state cache file", "err", err)
		return nil
	}
	// A nested prev_state would grow without bound
	state.PrevState = nil
	return &state
}

// Store overwrites the snapshot, dropping the nested previous state
func (cache *StateCache) Store(state *State) {
	toSave := *state
	toSave.PrevState = nil
	contents, err := json.Marshal(toSave)
	if err != nil {
		log.Warning("Could not encode the state cache file, skipping it", "err", err)
		return
	}
	if _, err := fileutils.WriteFileAtomic(cache.path, contents, 0o600); err != nil {
		log.Warning("Could not write the state cache file, skipping it", "err", err)
	}
}
