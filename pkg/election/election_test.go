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

package election

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DetermineWinner", func() {
	It("picks the highest LSN", func() {
		winner, err := DetermineWinner(map[string]Vote{
			"pg2.example.net": {Lsn: 100, Priority: 10},
			"pg3.example.net": {Lsn: 200, Priority: 0},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(winner).To(Equal("pg3.example.net"))
	})

	It("breaks LSN ties with the priority", func() {
		winner, err := DetermineWinner(map[string]Vote{
			"pg2.example.net": {Lsn: 100, Priority: 10},
			"pg3.example.net": {Lsn: 100, Priority: 5},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(winner).To(Equal("pg2.example.net"))
	})

	It("breaks exact ties by hostname order", func() {
		votes := map[string]Vote{
			"pg3.example.net": {Lsn: 100, Priority: 5},
			"pg2.example.net": {Lsn: 100, Priority: 5},
		}
		first, err := DetermineWinner(votes)
		Expect(err).ToNot(HaveOccurred())
		// The pick must be stable across repeated evaluations
		for i := 0; i < 20; i++ {
			winner, err := DetermineWinner(votes)
			Expect(err).ToNot(HaveOccurred())
			Expect(winner).To(Equal(first))
		}
		Expect(first).To(Equal("pg2.example.net"))
	})

	It("fails on an empty vote set", func() {
		_, err := DetermineWinner(nil)
		Expect(err).To(MatchError(ErrNoWinner))
	})
})
