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

package hostutil

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AppName", func() {
	It("replaces dots and dashes with underscores", func() {
		Expect(AppName("pg-host-01.db.example.net")).To(Equal("pg_host_01_db_example_net"))
	})

	It("keeps already clean names", func() {
		Expect(AppName("localhost")).To(Equal("localhost"))
	})
})

var _ = Describe("LockpathPrefix", func() {
	It("derives the cluster name from the host naming convention", func() {
		Expect(LockpathPrefix("pgtest01f.example.net")).To(Equal("/pgkeeper/pgtest01/"))
	})

	It("falls back to the short hostname", func() {
		Expect(LockpathPrefix("PGHOST.example.net")).To(Equal("/pgkeeper/PGHOST/"))
	})
})

var _ = Describe("AppNameMap", func() {
	It("indexes hosts by their application name", func() {
		m := AppNameMap([]string{"pg1.example.net", "pg2.example.net"})
		Expect(m).To(HaveKeyWithValue("pg1_example_net", "pg1.example.net"))
		Expect(m).To(HaveKeyWithValue("pg2_example_net", "pg2.example.net"))
	})
})
