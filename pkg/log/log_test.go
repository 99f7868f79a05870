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

package log

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseLevel", func() {
	It("maps every level string", func() {
		Expect(ParseLevel(ErrorLevelString)).To(Equal(ErrorLevel))
		Expect(ParseLevel(WarningLevelString)).To(Equal(WarningLevel))
		Expect(ParseLevel(InfoLevelString)).To(Equal(InfoLevel))
		Expect(ParseLevel(DebugLevelString)).To(Equal(DebugLevel))
		Expect(ParseLevel(TraceLevelString)).To(Equal(TraceLevel))
	})

	It("rejects an unknown level", func() {
		_, err := ParseLevel("chatty")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Context plumbing", func() {
	It("stores and retrieves a logger through the context", func() {
		named := WithName("tick")
		ctx := IntoContext(context.Background(), named)
		Expect(FromContext(ctx).GetLogger()).To(Equal(named.GetLogger()))
	})

	It("falls back to the package logger", func() {
		Expect(FromContext(context.Background())).ToNot(BeNil())
	})
})
