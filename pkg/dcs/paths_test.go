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

package dcs

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Host paths", func() {
	It("places member attributes under the registry", func() {
		Expect(MemberPath("pg1.example.net")).To(Equal("all_hosts/pg1.example.net"))
		Expect(MemberHAPath("pg1.example.net")).To(Equal("all_hosts/pg1.example.net/ha"))
		Expect(MemberPrioPath("pg1.example.net")).To(Equal("all_hosts/pg1.example.net/prio"))
		Expect(MemberOpPath("pg1.example.net")).To(Equal("all_hosts/pg1.example.net/op"))
		Expect(MemberTriedRemasterPath("pg1.example.net")).
			To(Equal("all_hosts/pg1.example.net/tried_remaster"))
	})

	It("places the session-bound locks under their trees", func() {
		Expect(HostAliveLockPath("pg1.example.net")).To(Equal("alive/pg1.example.net"))
		Expect(HostQuorumLockPath("pg1.example.net")).To(Equal("quorum/members/pg1.example.net"))
		Expect(ReplicationSourcePath("pg1.example.net")).
			To(Equal("replication_sources/pg1.example.net"))
		Expect(HostMaintenancePath("pg1.example.net")).To(Equal("maintenance/pg1.example.net"))
	})

	It("splits election votes into lsn and priority", func() {
		Expect(ElectionVoteLsnPath("pg1.example.net")).
			To(Equal("election_vote/pg1.example.net/lsn"))
		Expect(ElectionVotePrioPath("pg1.example.net")).
			To(Equal("election_vote/pg1.example.net/prio"))
	})
})

var _ = Describe("absPath", func() {
	client := &Client{options: Options{PathPrefix: "/pgkeeper/cluster01/"}}

	It("joins relative paths with the prefix", func() {
		Expect(client.absPath("leader")).To(Equal("/pgkeeper/cluster01/leader"))
		Expect(client.absPath("all_hosts/pg1")).To(Equal("/pgkeeper/cluster01/all_hosts/pg1"))
	})

	It("keeps already absolute paths", func() {
		Expect(client.absPath("/pgkeeper/cluster01/leader")).
			To(Equal("/pgkeeper/cluster01/leader"))
	})

	It("resolves the empty path to the prefix itself", func() {
		Expect(client.absPath("")).To(Equal("/pgkeeper/cluster01"))
	})
})

var _ = Describe("parseLockNode", func() {
	It("understands write lock nodes", func() {
		node, ok := parseLockNode("_c_2c9b6cd8e0a84aefb5b7a36e2d3f1d4b__lock__0000000007")
		Expect(ok).To(BeTrue())
		Expect(node.write).To(BeTrue())
		Expect(node.sequence).To(Equal(7))
	})

	It("understands read lock nodes", func() {
		node, ok := parseLockNode("_c_2c9b6cd8e0a84aefb5b7a36e2d3f1d4b__rlock__0000000012")
		Expect(ok).To(BeTrue())
		Expect(node.write).To(BeFalse())
		Expect(node.sequence).To(Equal(12))
	})

	It("rejects foreign children", func() {
		_, ok := parseLockNode("some-unrelated-node")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("SwitchoverInfo", func() {
	It("round-trips through the stored JSON shape", func() {
		timeline := int64(4)
		info := SwitchoverInfo{
			Hostname:    "pg1.example.net",
			Timeline:    &timeline,
			Destination: "pg2.example.net",
		}
		contents, err := json.Marshal(info)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(contents)).To(MatchJSON(
			`{"hostname":"pg1.example.net","timeline":4,"destination":"pg2.example.net"}`))

		var decoded SwitchoverInfo
		Expect(json.Unmarshal(contents, &decoded)).To(Succeed())
		Expect(decoded.Hostname).To(Equal("pg1.example.net"))
		Expect(*decoded.Timeline).To(Equal(int64(4)))
	})

	It("tolerates the empty intent the reset writes", func() {
		var decoded SwitchoverInfo
		Expect(json.Unmarshal([]byte("{}"), &decoded)).To(Succeed())
		Expect(decoded.Hostname).To(BeEmpty())
		Expect(decoded.Timeline).To(BeNil())
	})
})
