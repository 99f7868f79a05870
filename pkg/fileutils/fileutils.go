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

// Package fileutils contains the utility functions about
// file management
package fileutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileExists check if a file exists. A missing file is reported as
// false without an error; any other stat failure is returned.
func FileExists(fileName string) (bool, error) {
	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WriteStringToFile replace the contents of a certain file
// with a string. If the file doesn't exist, it's created.
// Returns an error status and a flag telling if the file has been
// changed or not.
func WriteStringToFile(fileName string, contents string) (changed bool, err error) {
	return WriteFileAtomic(fileName, []byte(contents), 0o600)
}

// WriteFileAtomic atomically replace the content of a file.
// If the file doesn't exist, it's created.
// Returns an error status and a flag telling if the file has been
// changed or not.
func WriteFileAtomic(fileName string, contents []byte, perm os.FileMode) (bool, error) {
	exists, err := FileExists(fileName)
	if err != nil {
		return false, err
	}
	if exists {
		previousContents, err := os.ReadFile(fileName) // #nosec
		if err != nil {
			return false, fmt.Errorf("while reading previous file contents: %w", err)
		}
		if string(previousContents) == string(contents) {
			return false, nil
		}
	}

	fileNameTmp := fileName + ".new"
	if err = os.WriteFile(fileNameTmp, contents, perm); err != nil {
		return false, err
	}
	if err = os.Rename(fileNameTmp, fileName); err != nil {
		return false, err
	}
	return true, nil
}

// ReadFile reads the contents of a file, returning an empty buffer
// when the file doesn't exist
func ReadFile(fileName string) ([]byte, error) {
	exists, err := FileExists(fileName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return os.ReadFile(fileName) // #nosec
}

// CopyDir recursively replaces the destination directory with a copy of
// the source one, removing anything already there
func CopyDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// EnsureDirectoryExist check if the passed directory exists and
// if it doesn't, create it
func EnsureDirectoryExist(destinationDir string) error {
	if _, err := os.Stat(destinationDir); os.IsNotExist(err) {
		return os.MkdirAll(destinationDir, 0o750)
	}
	return nil
}
