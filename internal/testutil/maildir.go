// Package testutil provides test helpers for maildir spools, queued
// messages and OpenPGP identities.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TestMaildir describes one watched spool root.
type TestMaildir struct {
	Name      string
	Recursive bool
	// Children are nested maildirs created under the root, for recursive watches.
	Children []string
}

// DefaultTestMaildirs returns one flat spool and one recursive spool with a
// nested user maildir.
func DefaultTestMaildirs() []TestMaildir {
	return []TestMaildir{
		{Name: "flat"},
		{Name: "tree", Recursive: true, Children: []string{"users/abc123"}},
	}
}

// SetupMaildirs creates the spools in a temp dir:
//
//	<basePath>/
//	└── <name>/
//	    ├── cur/
//	    ├── new/
//	    ├── tmp/
//	    └── <child>/
//	        ├── cur/
//	        ├── new/
//	        └── tmp/
//
// Returns the base path.
func SetupMaildirs(t *testing.T, dirs []TestMaildir) string {
	t.Helper()

	basePath := t.TempDir()
	for _, d := range dirs {
		root := filepath.Join(basePath, d.Name)
		if err := createMaildir(root); err != nil {
			t.Fatalf("failed to create maildir %s: %v", d.Name, err)
		}
		for _, child := range d.Children {
			if err := createMaildir(filepath.Join(root, child)); err != nil {
				t.Fatalf("failed to create maildir %s/%s: %v", d.Name, child, err)
			}
		}
	}
	return basePath
}

// SetupDefaultMaildirs creates DefaultTestMaildirs and returns the base path.
func SetupDefaultMaildirs(t *testing.T) string {
	t.Helper()
	return SetupMaildirs(t, DefaultTestMaildirs())
}

func createMaildir(path string) error {
	for _, subdir := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, subdir), 0755); err != nil {
			return err
		}
	}
	return nil
}

// Deliver writes content as a new message file in <maildir>/new and returns
// its path. The file is written to tmp first and renamed, as an MTA would.
func Deliver(t *testing.T, maildir, name string, content []byte) string {
	t.Helper()

	tmp := filepath.Join(maildir, "tmp", name)
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", tmp, err)
	}
	dst := filepath.Join(maildir, "new", name)
	if err := os.Rename(tmp, dst); err != nil {
		t.Fatalf("failed to move %s into new: %v", name, err)
	}
	return dst
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
