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

package configuration

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeEnvironment map[string]string

func (f fakeEnvironment) Getenv(name string) string {
	return f[name]
}

var _ = Describe("Configuration defaults", func() {
	It("holds the documented defaults", func() {
		config := newDefaultConfig()
		Expect(config.Global.IterationTimeout).To(Equal(1.0))
		Expect(config.Global.ZkHosts).To(Equal("localhost:2181"))
		Expect(config.Global.MaxRewindRetries).To(Equal(3))
		Expect(config.Global.Autofailover).To(BeTrue())
		Expect(config.Replica.MinFailoverTimeout).To(Equal(3600.0))
		Expect(config.Replica.AllowPotentialDataLoss).To(BeFalse())
		Expect(config.Primary.ChangeReplicationMetric).To(Equal("count,load"))
		Expect(config.Primary.BeforeAsyncUnavailabilityTimeout).To(Equal(15.0))
	})

	It("converts the second-based settings into durations", func() {
		config := newDefaultConfig()
		Expect(config.IterationTimeout()).To(Equal(time.Second))
		Expect(config.PostgresTimeout()).To(Equal(60 * time.Second))
		Expect(config.MinFailoverTimeout()).To(Equal(time.Hour))
		Expect(config.ElectionTimeout()).To(Equal(5 * time.Second))
	})
})

var _ = Describe("Load", func() {
	It("reads a configuration file and keeps defaults for the rest", func() {
		dir := GinkgoT().TempDir()
		fileName := filepath.Join(dir, "pgkeeper.yaml")
		contents := []byte(`
global:
  zk_hosts: zk1:2181,zk2:2181,zk3:2181
  zk_lockpath_prefix: /pgkeeper/testcluster/
  priority: 10
replica:
  allow_potential_data_loss: true
`)
		Expect(os.WriteFile(fileName, contents, 0o600)).To(Succeed())

		config, err := Load(fileName)
		Expect(err).ToNot(HaveOccurred())
		Expect(config.Global.ZkHosts).To(Equal("zk1:2181,zk2:2181,zk3:2181"))
		Expect(config.Global.ZkLockpathPrefix).To(Equal("/pgkeeper/testcluster/"))
		Expect(config.Global.Priority).To(Equal(10))
		Expect(config.Replica.AllowPotentialDataLoss).To(BeTrue())
		Expect(config.Global.IterationTimeout).To(Equal(1.0))
	})

	It("tolerates a missing configuration file", func() {
		config, err := Load("/nonexistent/pgkeeper.yaml")
		Expect(err).ToNot(HaveOccurred())
		Expect(config.Global.ZkHosts).To(Equal("localhost:2181"))
	})

	It("rejects an unparsable configuration file", func() {
		dir := GinkgoT().TempDir()
		fileName := filepath.Join(dir, "pgkeeper.yaml")
		Expect(os.WriteFile(fileName, []byte("global: ["), 0o600)).To(Succeed())
		_, err := Load(fileName)
		Expect(err).To(HaveOccurred())
	})

	It("forces slot polling off when slots are disabled", func() {
		dir := GinkgoT().TempDir()
		fileName := filepath.Join(dir, "pgkeeper.yaml")
		contents := []byte(`
global:
  use_replication_slots: false
  replication_slots_polling: true
`)
		Expect(os.WriteFile(fileName, contents, 0o600)).To(Succeed())
		config, err := Load(fileName)
		Expect(err).ToNot(HaveOccurred())
		Expect(config.Global.ReplicationSlotsPolling).To(BeFalse())
	})
})

var _ = Describe("ReadEnvironment", func() {
	It("overlays the tagged fields from the environment", func() {
		config := newDefaultConfig()
		ReadEnvironment(config, fakeEnvironment{
			"PGKEEPER_ZK_HOSTS":          "zk9:2181",
			"PGKEEPER_PRIORITY":          "42",
			"PGKEEPER_AUTOFAILOVER":      "false",
			"PGKEEPER_ITERATION_TIMEOUT": "2.5",
		})
		Expect(config.Global.ZkHosts).To(Equal("zk9:2181"))
		Expect(config.Global.Priority).To(Equal(42))
		Expect(config.Global.Autofailover).To(BeFalse())
		Expect(config.Global.IterationTimeout).To(Equal(2.5))
	})

	It("ignores unparsable values", func() {
		config := newDefaultConfig()
		ReadEnvironment(config, fakeEnvironment{
			"PGKEEPER_PRIORITY":     "not-a-number",
			"PGKEEPER_AUTOFAILOVER": "not-a-bool",
		})
		Expect(config.Global.Priority).To(Equal(0))
		Expect(config.Global.Autofailover).To(BeTrue())
	})
})
