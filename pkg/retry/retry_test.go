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

package retry

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Value", func() {
	It("returns the value as soon as the poll succeeds", func() {
		calls := 0
		value, ok := Value(context.Background(), 10*time.Second, "immediate", func() (int, bool) {
			calls++
			return 42, true
		})
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal(42))
		Expect(calls).To(Equal(1))
	})

	It("keeps polling until the condition holds", func() {
		calls := 0
		value, ok := Value(context.Background(), 30*time.Second, "third attempt", func() (string, bool) {
			calls++
			return "done", calls >= 3
		})
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("done"))
		Expect(calls).To(Equal(3))
	})

	It("returns within the timeout plus at most one retry step", func() {
		start := time.Now()
		_, ok := Value(context.Background(), 2*time.Second, "never", func() (int, bool) {
			return 0, false
		})
		Expect(ok).To(BeFalse())
		elapsed := time.Since(start)
		Expect(elapsed).To(BeNumerically(">=", 2*time.Second))
		Expect(elapsed).To(BeNumerically("<", 4*time.Second))
	})

	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		_, ok := Value(ctx, Unbounded, "cancelled", func() (int, bool) {
			return 0, false
		})
		Expect(ok).To(BeFalse())
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})
})

var _ = Describe("Await", func() {
	It("reports a condition that holds", func() {
		Expect(Await(context.Background(), 5*time.Second, "true", func() bool {
			return true
		})).To(BeTrue())
	})

	It("reports a condition that never holds", func() {
		Expect(Await(context.Background(), time.Second, "false", func() bool {
			return false
		})).To(BeFalse())
	})
})

var _ = Describe("IterationTimer", func() {
	It("sleeps away the remaining tick budget", func() {
		timer := NewIterationTimer()
		start := time.Now()
		timer.Sleep(context.Background(), 200*time.Millisecond)
		Expect(time.Since(start)).To(BeNumerically(">=", 150*time.Millisecond))
	})

	It("does not sleep when the tick overran its budget", func() {
		timer := NewIterationTimer()
		time.Sleep(50 * time.Millisecond)
		start := time.Now()
		timer.Sleep(context.Background(), 10*time.Millisecond)
		Expect(time.Since(start)).To(BeNumerically("<", 50*time.Millisecond))
	})
})
