// Package yaml holds patchd's atomic file writer and the schema header
// carried by the state files it owns.
package yaml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const defaultPerm fs.FileMode = 0644

type check func([]byte) error

// AtomicWrite encodes v as YAML and replaces path.
func AtomicWrite(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return replace(path, content, checkYAML)
}

// AtomicWriteJSON encodes v as two-space indented JSON with a trailing
// newline and replaces path.
func AtomicWriteJSON(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return replace(path, append(content, '\n'), checkJSON)
}

// AtomicWriteText replaces path with content as is. Used for markdown.
func AtomicWriteText(path string, content []byte) error {
	return replace(path, content, nil)
}

// WriteIfChanged replaces path unless it already holds content, and reports
// whether it wrote.
func WriteIfChanged(path string, content []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(existing, content):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := replace(path, content, nil); err != nil {
		return false, err
	}
	return true, nil
}

// replace swaps path for content through a dot-prefixed temp file in the same
// directory, so queue scans never see a partial file. An existing file keeps
// its permission bits.
func replace(path string, content []byte, chk check) error {
	if chk != nil {
		if err := chk(content); err != nil {
			return fmt.Errorf("refusing to write %s: %w", path, err)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	perm := defaultPerm
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	done = true
	syncDir(dir)
	return nil
}

// syncDir flushes the rename. Failure only weakens durability, so it is
// ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func checkYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func checkJSON(content []byte) error {
	if !json.Valid(content) {
		return errors.New("invalid json")
	}
	return nil
}
