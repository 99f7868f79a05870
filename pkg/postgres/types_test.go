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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("StreamingReplica", func() {
	infos := []ReplicaInfo{
		{ApplicationName: "pg2_example_net", State: ReplicaStateStreaming},
		{ApplicationName: "pg3_example_net", State: "startup"},
	}

	It("finds the streaming row", func() {
		Expect(StreamingReplica(infos, "pg2_example_net")).ToNot(BeNil())
	})

	It("skips non-streaming rows", func() {
		Expect(StreamingReplica(infos, "pg3_example_net")).To(BeNil())
	})
})

var _ = Describe("ReplicaInfo", func() {
	It("keeps the stored JSON field names", func() {
		info := ReplicaInfo{
			ApplicationName: "pg2_example_net",
			State:           ReplicaStateStreaming,
			SyncState:       SyncStateSync,
			ReplayLagMsec:   15,
		}
		contents, err := json.Marshal(info)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(contents)).To(ContainSubstring(`"application_name":"pg2_example_net"`))
		Expect(string(contents)).To(ContainSubstring(`"sync_state":"sync"`))
		Expect(string(contents)).To(ContainSubstring(`"replay_lag_msec":15`))
	})
})
