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
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

var _ = Describe("isOpDestructive", func() {
	c := &Controller{}

	It("flags a rewind in flight", func() {
		Expect(c.isOpDestructive("rewind")).To(BeTrue())
	})

	It("ignores anything else", func() {
		Expect(c.isOpDestructive("")).To(BeFalse())
		Expect(c.isOpDestructive("checkpoint")).To(BeFalse())
	})
})

var _ = Describe("streamingReplicaFromReplicsInfo", func() {
	infos := []pgtypes.ReplicaInfo{
		{ApplicationName: "pg2_example_net", State: pgtypes.ReplicaStateStreaming},
		{ApplicationName: "pg3_example_net", State: "catchup"},
	}

	It("finds a streaming host by FQDN", func() {
		Expect(streamingReplicaFromReplicsInfo("pg2.example.net", infos)).ToNot(BeNil())
	})

	It("ignores non-streaming hosts", func() {
		Expect(streamingReplicaFromReplicsInfo("pg3.example.net", infos)).To(BeNil())
	})

	It("ignores unknown hosts", func() {
		Expect(streamingReplicaFromReplicsInfo("pg4.example.net", infos)).To(BeNil())
	})
})

var _ = Describe("candidateIsSyncWithPrimary", func() {
	newController := func(allowDataLoss bool) (*Controller, *pgmgmt.State) {
		config := &configuration.Data{}
		config.Global.MaxAllowedSwitchoverLagMs = 1000
		config.Replica.AllowPotentialDataLoss = allowDataLoss
		dbState := &pgmgmt.State{
			ReplicsInfo: []pgtypes.ReplicaInfo{
				{
					ApplicationName: "pg2_example_net",
					State:           pgtypes.ReplicaStateStreaming,
					SyncState:       pgtypes.SyncStateQuorum,
					ReplayLagMsec:   5000,
				},
			},
		}
		return &Controller{config: config}, dbState
	}

	It("rejects a lagging candidate without the data loss opt-in", func() {
		c, dbState := newController(false)
		Expect(c.candidateIsSyncWithPrimary(context.Background(), dbState, "pg2.example.net")).
			To(BeFalse())
	})

	It("accepts a lagging candidate with the data loss opt-in", func() {
		c, dbState := newController(true)
		Expect(c.candidateIsSyncWithPrimary(context.Background(), dbState, "pg2.example.net")).
			To(BeTrue())
	})

	It("accepts a candidate absent from the sync view", func() {
		c, dbState := newController(false)
		Expect(c.candidateIsSyncWithPrimary(context.Background(), dbState, "pg9.example.net")).
			To(BeTrue())
	})

	It("accepts the empty candidate, there is nothing to check", func() {
		c, dbState := newController(false)
		Expect(c.candidateIsSyncWithPrimary(context.Background(), dbState, "")).To(BeTrue())
	})
})

var _ = Describe("writeStatusFile", func() {
	It("persists the tick observations as JSON", func() {
		dir := GinkgoT().TempDir()
		dbState := &pgmgmt.State{Alive: true, Role: pgtypes.RolePrimary}
		writeStatusFile(dbState, nil, dir)

		contents, err := os.ReadFile(filepath.Join(dir, StatusFileName))
		Expect(err).ToNot(HaveOccurred())
		var decoded map[string]interface{}
		Expect(json.Unmarshal(contents, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKey("db_state"))
		Expect(decoded).To(HaveKey("ts"))
	})
})
