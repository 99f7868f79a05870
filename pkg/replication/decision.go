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

package replication

import (
	"strconv"
	"strings"
	"time"

	"github.com/thoas/go-funk"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// DecisionInputs is everything the replication type decision reads
type DecisionInputs struct {
	// ReplicsInfo is the primary's current walsender view
	ReplicsInfo []pgtypes.ReplicaInfo
	// HAReplicas is the set of alive HA members excluding ourselves
	HAReplicas []string
	// SessionsRatio is active sessions over max_connections in percent
	SessionsRatio float64
	// Now is the decision time, injectable by the tests
	Now time.Time
}

// NeededReplicationType evaluates the configured metric list against
// the current cluster condition
func NeededReplicationType(config *configuration.Data, inputs DecisionInputs) pgtypes.ReplicationType {
	streamingApps := make([]string, 0, len(inputs.ReplicsInfo))
	for _, info := range inputs.ReplicsInfo {
		if info.State == pgtypes.ReplicaStateStreaming {
			streamingApps = append(streamingApps, info.ApplicationName)
		}
	}
	streamingApps = funk.UniqString(streamingApps)
	haApps := make([]string, 0, len(inputs.HAReplicas))
	for _, host := range inputs.HAReplicas {
		haApps = append(haApps, hostutil.AppName(host))
	}
	replicsNumber := len(funk.IntersectString(streamingApps, haApps))

	metric := config.Primary.ChangeReplicationMetric
	log.Info("Checking needed replication type",
		"metric", metric, "streamingHAReplicas", replicsNumber)

	if strings.Contains(metric, "count") && replicsNumber == 0 {
		return pgtypes.ReplicationAsync
	}

	if strings.Contains(metric, "time") {
		now := inputs.Now
		if now.IsZero() {
			now = time.Now()
		}
		hours := config.Primary.WeekdayChangeHours
		if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
			hours = config.Primary.WeekendChangeHours
		}
		start, stop, err := parseHourWindow(hours)
		if err != nil {
			log.Warning("Could not parse the sync replication hour window", "window", hours, "err", err)
		} else if !(start <= now.Hour() && now.Hour() <= stop) {
			return pgtypes.ReplicationSync
		}
	}

	if strings.Contains(metric, "load") &&
		inputs.SessionsRatio >= config.Primary.OverloadSessionsRatio {
		return pgtypes.ReplicationAsync
	}

	return pgtypes.ReplicationSync
}

// parseHourWindow parses an inclusive "10-22" hour range
func parseHourWindow(window string) (int, int, error) {
	parts := strings.SplitN(window, "-", 2)
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	if len(parts) < 2 {
		return start, start, nil
	}
	stop, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return start, stop, nil
}
