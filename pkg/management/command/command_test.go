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

package command

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
)

var _ = Describe("substitute", func() {
	It("replaces every placeholder", func() {
		result := substitute("pg_ctl stop -t %t -D %p", Substitutions{
			't': "60",
			'p': "/var/lib/postgresql/14/main",
		})
		Expect(result).To(Equal("pg_ctl stop -t 60 -D /var/lib/postgresql/14/main"))
	})

	It("leaves templates without placeholders alone", func() {
		Expect(substitute("service pgbouncer stop", nil)).
			To(Equal("service pgbouncer stop"))
	})
})

var _ = Describe("Runner", func() {
	It("reports the exit code of a failing command", func() {
		runner := NewRunner(configuration.CommandsConfiguration{
			PgStatus: "false",
		})
		Expect(runner.PostgresStatus(context.Background(), "/tmp")).ToNot(Equal(0))
	})

	It("reports success for a succeeding command", func() {
		runner := NewRunner(configuration.CommandsConfiguration{
			PgStatus: "true",
		})
		Expect(runner.PostgresStatus(context.Background(), "/tmp")).To(Equal(0))
	})

	It("extracts a single pg_controldata parameter", func() {
		runner := NewRunner(configuration.CommandsConfiguration{
			GetControlParameter: "printf 'pg_control version number:    1300\\nLatest checkpoint'\\''s TimeLineID:       7\\n'",
		})
		value, err := runner.GetControlParameter(context.Background(), "/tmp",
			"Latest checkpoint's TimeLineID")
		Expect(err).ToNot(HaveOccurred())
		Expect(value).To(Equal("7"))
	})

	It("fails when the parameter is absent", func() {
		runner := NewRunner(configuration.CommandsConfiguration{
			GetControlParameter: "printf 'pg_control version number: 1300\\n'",
		})
		_, err := runner.GetControlParameter(context.Background(), "/tmp", "Database cluster state")
		Expect(err).To(HaveOccurred())
	})

	It("splits the cluster listing into rows", func() {
		runner := NewRunner(configuration.CommandsConfiguration{
			ListClusters: "printf '14 main 5432 online postgres /data\\n'",
		})
		rows, err := runner.ListClusters(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0]).To(ContainSubstring("5432"))
	})
})
