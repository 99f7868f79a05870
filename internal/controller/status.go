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

package controller

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
)

// StatusFileName is the per-tick observation snapshot written into the
// working directory
const StatusFileName = "pgkeeper.status"

type statusFile struct {
	ZkState *dcs.State    `json:"zk_state"`
	DbState *pgmgmt.State `json:"db_state"`
	Ts      float64       `json:"ts"`
}

// writeStatusFile saves the tick observations; failures are only
// logged, the status file is best effort
func writeStatusFile(dbState *pgmgmt.State, zkState *dcs.State, workingDir string) {
	contents, err := json.Marshal(statusFile{
		ZkState: zkState,
		DbState: dbState,
		Ts:      float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		log.Warning("Could not encode the status file, ignoring it", "err", err)
		return
	}
	fileName := filepath.Join(workingDir, StatusFileName)
	if _, err := fileutils.WriteFileAtomic(fileName, contents, 0o644); err != nil {
		log.Warning("Could not write the status file, ignoring it", "err", err)
	}
}
