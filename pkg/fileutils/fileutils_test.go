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

package fileutils

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("WriteFileAtomic", func() {
	It("creates a missing file and reports the change", func() {
		fileName := filepath.Join(GinkgoT().TempDir(), "test.txt")
		changed, err := WriteFileAtomic(fileName, []byte("hello"), 0o600)
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(BeTrue())
		Expect(os.ReadFile(fileName)).To(Equal([]byte("hello")))
	})

	It("reports no change for identical contents", func() {
		fileName := filepath.Join(GinkgoT().TempDir(), "test.txt")
		_, err := WriteFileAtomic(fileName, []byte("hello"), 0o600)
		Expect(err).ToNot(HaveOccurred())
		changed, err := WriteFileAtomic(fileName, []byte("hello"), 0o600)
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(BeFalse())
	})

	It("replaces differing contents", func() {
		fileName := filepath.Join(GinkgoT().TempDir(), "test.txt")
		_, err := WriteFileAtomic(fileName, []byte("hello"), 0o600)
		Expect(err).ToNot(HaveOccurred())
		changed, err := WriteFileAtomic(fileName, []byte("world"), 0o600)
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(BeTrue())
		Expect(os.ReadFile(fileName)).To(Equal([]byte("world")))
	})
})

var _ = Describe("ReadFile", func() {
	It("answers nil for a missing file", func() {
		contents, err := ReadFile(filepath.Join(GinkgoT().TempDir(), "missing"))
		Expect(err).ToNot(HaveOccurred())
		Expect(contents).To(BeNil())
	})
})

var _ = Describe("CopyDir", func() {
	It("replaces the destination with a copy of the source", func() {
		src := GinkgoT().TempDir()
		dst := filepath.Join(GinkgoT().TempDir(), "backup")
		Expect(os.MkdirAll(filepath.Join(src, "sub"), 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(src, "sub", "slot.state"), []byte("x"), 0o600)).To(Succeed())

		Expect(CopyDir(src, dst)).To(Succeed())
		Expect(os.ReadFile(filepath.Join(dst, "sub", "slot.state"))).To(Equal([]byte("x")))

		// A second copy replaces leftovers in the destination
		Expect(os.WriteFile(filepath.Join(dst, "stale"), []byte("y"), 0o600)).To(Succeed())
		Expect(CopyDir(src, dst)).To(Succeed())
		_, err := os.Stat(filepath.Join(dst, "stale"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})
