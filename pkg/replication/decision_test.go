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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

func testConfig(metric string) *configuration.Data {
	config := &configuration.Data{}
	config.Primary.ChangeReplicationMetric = metric
	config.Primary.OverloadSessionsRatio = 75
	config.Primary.WeekdayChangeHours = "10-22"
	config.Primary.WeekendChangeHours = "0-0"
	return config
}

func streamingReplica(appName string) pgtypes.ReplicaInfo {
	return pgtypes.ReplicaInfo{
		ApplicationName: appName,
		State:           pgtypes.ReplicaStateStreaming,
	}
}

var _ = Describe("NeededReplicationType", func() {
	Context("with the count metric", func() {
		It("asks for async when no HA replica streams", func() {
			needed := NeededReplicationType(testConfig("count"), DecisionInputs{
				HAReplicas: []string{"pg2.example.net"},
			})
			Expect(needed).To(Equal(pgtypes.ReplicationAsync))
		})

		It("asks for sync when an HA replica streams", func() {
			needed := NeededReplicationType(testConfig("count"), DecisionInputs{
				ReplicsInfo: []pgtypes.ReplicaInfo{streamingReplica("pg2_example_net")},
				HAReplicas:  []string{"pg2.example.net"},
			})
			Expect(needed).To(Equal(pgtypes.ReplicationSync))
		})

		It("ignores streaming replicas outside the HA group", func() {
			needed := NeededReplicationType(testConfig("count"), DecisionInputs{
				ReplicsInfo: []pgtypes.ReplicaInfo{streamingReplica("cascade_example_net")},
				HAReplicas:  []string{"pg2.example.net"},
			})
			Expect(needed).To(Equal(pgtypes.ReplicationAsync))
		})
	})

	Context("with the time metric", func() {
		It("asks for sync outside the configured weekday window", func() {
			// Wednesday 23:00, outside 10-22
			at := time.Date(2024, 4, 3, 23, 0, 0, 0, time.Local)
			needed := NeededReplicationType(testConfig("time"), DecisionInputs{
				ReplicsInfo: []pgtypes.ReplicaInfo{streamingReplica("pg2_example_net")},
				HAReplicas:  []string{"pg2.example.net"},
				Now:         at,
			})
			Expect(needed).To(Equal(pgtypes.ReplicationSync))
		})

		It("falls through inside the window, still deciding sync by default", func() {
			// Wednesday 12:00, inside 10-22
			at := time.Date(2024, 4, 3, 12, 0, 0, 0, time.Local)
			needed := NeededReplicationType(testConfig("time"), DecisionInputs{
				ReplicsInfo: []pgtypes.ReplicaInfo{streamingReplica("pg2_example_net")},
				HAReplicas:  []string{"pg2.example.net"},
				Now:         at,
			})
			Expect(needed).To(Equal(pgtypes.ReplicationSync))
		})
	})

	Context("with the load metric", func() {
		It("asks for async above the overload ratio", func() {
			needed := NeededReplicationType(testConfig("load"), DecisionInputs{
				ReplicsInfo:   []pgtypes.ReplicaInfo{streamingReplica("pg2_example_net")},
				HAReplicas:    []string{"pg2.example.net"},
				SessionsRatio: 90,
			})
			Expect(needed).To(Equal(pgtypes.ReplicationAsync))
		})

		It("asks for sync below the overload ratio", func() {
			needed := NeededReplicationType(testConfig("load"), DecisionInputs{
				ReplicsInfo:   []pgtypes.ReplicaInfo{streamingReplica("pg2_example_net")},
				HAReplicas:    []string{"pg2.example.net"},
				SessionsRatio: 10,
			})
			Expect(needed).To(Equal(pgtypes.ReplicationSync))
		})
	})

	Context("with combined metrics", func() {
		It("lets any async verdict win", func() {
			needed := NeededReplicationType(testConfig("count,load"), DecisionInputs{
				ReplicsInfo:   []pgtypes.ReplicaInfo{streamingReplica("pg2_example_net")},
				HAReplicas:    []string{"pg2.example.net"},
				SessionsRatio: 90,
			})
			Expect(needed).To(Equal(pgtypes.ReplicationAsync))
		})
	})
})

var _ = Describe("CurrentReplicsQuorum", func() {
	It("intersects streaming replicas with the alive hosts", func() {
		infos := []pgtypes.ReplicaInfo{
			streamingReplica("pg2_example_net"),
			{ApplicationName: "pg3_example_net", State: "catchup"},
		}
		quorum := CurrentReplicsQuorum(infos, []string{"pg2.example.net", "pg3.example.net"})
		Expect(quorum).To(HaveKey("pg2.example.net"))
		Expect(quorum).ToNot(HaveKey("pg3.example.net"))
	})
})

var _ = Describe("OldestReplica", func() {
	It("picks the replica with the smallest write lag", func() {
		infos := []pgtypes.ReplicaInfo{
			{ApplicationName: "a", WriteLocationDiff: 100},
			{ApplicationName: "b", WriteLocationDiff: 10},
		}
		Expect(OldestReplica(infos)).To(Equal("b"))
	})

	It("breaks write lag ties with the higher priority", func() {
		infos := []pgtypes.ReplicaInfo{
			{ApplicationName: "a", WriteLocationDiff: 10, Priority: 1},
			{ApplicationName: "b", WriteLocationDiff: 10, Priority: 5},
		}
		Expect(OldestReplica(infos)).To(Equal("b"))
	})

	It("handles an empty view", func() {
		Expect(OldestReplica(nil)).To(Equal(""))
	})
})

var _ = Describe("expectedQuorumCount", func() {
	It("parses the ANY clause", func() {
		count, err := expectedQuorumCount("ANY 2(pg2_example_net,pg3_example_net)")
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(2))
	})

	It("rejects a plain standby list", func() {
		_, err := expectedQuorumCount("pg2_example_net")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("sameHostSet", func() {
	It("ignores ordering", func() {
		Expect(sameHostSet([]string{"a", "b"}, []string{"b", "a"})).To(BeTrue())
	})

	It("detects differing sets", func() {
		Expect(sameHostSet([]string{"a"}, []string{"b"})).To(BeFalse())
		Expect(sameHostSet([]string{"a"}, []string{"a", "b"})).To(BeFalse())
	})
})
