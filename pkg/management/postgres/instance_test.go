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
	"errors"
	"os"
	"path/filepath"

	"github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

var _ = Describe("classifyConnError", func() {
	It("maps the startup phase to ErrStartingUp", func() {
		err := classifyConnError(&pq.Error{
			Code:    "57P03",
			Message: "the database system is starting up",
		})
		Expect(errors.Is(err, ErrStartingUp)).To(BeTrue())
	})

	It("maps the shutdown phase to ErrShuttingDown", func() {
		err := classifyConnError(&pq.Error{
			Code:    "57P03",
			Message: "the database system is shutting down",
		})
		Expect(errors.Is(err, ErrShuttingDown)).To(BeTrue())
	})

	It("passes other errors through", func() {
		original := errors.New("connection refused")
		Expect(classifyConnError(original)).To(Equal(original))
	})
})

var _ = Describe("parseMajorVersion", func() {
	It("parses the bare major printed by pg_lsclusters", func() {
		Expect(parseMajorVersion("14")).To(Equal(14))
	})

	It("parses a full version", func() {
		Expect(parseMajorVersion("14.9")).To(Equal(14))
	})

	It("rejects garbage", func() {
		_, err := parseMajorVersion("not-a-version")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("localConnPort", func() {
	It("extracts the configured port", func() {
		config := &configuration.Data{}
		config.Global.LocalConnString = "dbname=postgres port=6543 user=postgres"
		instance := &Instance{config: config}
		Expect(instance.localConnPort()).To(Equal("6543"))
	})

	It("defaults to 5432", func() {
		config := &configuration.Data{}
		config.Global.LocalConnString = "dbname=postgres user=postgres"
		instance := &Instance{config: config}
		Expect(instance.localConnPort()).To(Equal("5432"))
	})
})

var _ = Describe("postgresql.auto.conf handling", func() {
	var instance *Instance

	BeforeEach(func() {
		config := &configuration.Data{}
		instance = &Instance{config: config, PgData: GinkgoT().TempDir()}
	})

	It("parses quoted values and skips comments", func() {
		contents := "# Do not edit this file manually!\n" +
			"archive_command = '/usr/bin/wal-archive %p'\n" +
			"synchronous_standby_names = ''\n"
		Expect(os.WriteFile(instance.postgresqlAutoConfPath(), []byte(contents), 0o600)).To(Succeed())

		config, err := instance.readPostgresqlAutoConf()
		Expect(err).ToNot(HaveOccurred())
		Expect(config).To(HaveKeyWithValue("archive_command", "/usr/bin/wal-archive %p"))
		Expect(config).To(HaveKeyWithValue("synchronous_standby_names", ""))
	})

	It("rewrites a parameter while stopped", func() {
		contents := "archive_command = '/usr/bin/wal-archive %p'\n"
		Expect(os.WriteFile(instance.postgresqlAutoConfPath(), []byte(contents), 0o600)).To(Succeed())

		Expect(instance.alterSystemStopped("archive_command", DisabledArchiveCommand)).To(BeTrue())

		config, err := instance.readPostgresqlAutoConf()
		Expect(err).ToNot(HaveOccurred())
		Expect(config).To(HaveKeyWithValue("archive_command", DisabledArchiveCommand))
	})

	It("is idempotent when the value is already set", func() {
		contents := "archive_command = '/bin/false'\n"
		Expect(os.WriteFile(instance.postgresqlAutoConfPath(), []byte(contents), 0o600)).To(Succeed())
		Expect(instance.alterSystemStopped("archive_command", DisabledArchiveCommand)).To(BeTrue())
	})
})

var _ = Describe("GetPrimaryFqdn", func() {
	It("parses the upstream host out of the recovery configuration", func() {
		config := &configuration.Data{}
		config.Global.RecoveryConfRelPath = "conf.d/recovery.conf"
		instance := &Instance{config: config, PgData: GinkgoT().TempDir()}
		Expect(os.MkdirAll(filepath.Dir(instance.RecoveryConfPath()), 0o750)).To(Succeed())
		contents := "standby_mode = 'on'\n" +
			"primary_conninfo = 'host=pg1.example.net port=5432 application_name=pg2_example_net'\n"
		Expect(os.WriteFile(instance.RecoveryConfPath(), []byte(contents), 0o600)).To(Succeed())

		Expect(instance.GetPrimaryFqdn()).To(Equal("pg1.example.net"))
	})

	It("answers nothing without a recovery configuration", func() {
		config := &configuration.Data{}
		config.Global.RecoveryConfRelPath = "conf.d/recovery.conf"
		instance := &Instance{config: config, PgData: GinkgoT().TempDir()}
		Expect(instance.GetPrimaryFqdn()).To(BeEmpty())
	})
})

var _ = Describe("StateCache", func() {
	It("round-trips a snapshot and drops the nested previous state", func() {
		cache := NewStateCache(GinkgoT().TempDir())
		state := &State{
			Alive:     true,
			Role:      pgtypes.RolePrimary,
			PgVersion: 140009,
			PgData:    "/data",
			Timeline:  3,
			PrevState: &State{Role: pgtypes.RoleReplica},
		}
		cache.Store(state)

		loaded := cache.Load()
		Expect(loaded).ToNot(BeNil())
		Expect(loaded.Role).To(Equal(pgtypes.RolePrimary))
		Expect(loaded.Timeline).To(Equal(int64(3)))
		Expect(loaded.PrevState).To(BeNil())
	})

	It("answers nil without a cache file", func() {
		cache := NewStateCache(GinkgoT().TempDir())
		Expect(cache.Load()).To(BeNil())
	})
})
