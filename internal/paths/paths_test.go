package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigPathPrefersLocal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	local := t.TempDir()

	if got, err := configPathIn(local); err != nil || got != "" {
		t.Fatalf("empty dirs: got %q, %v", got, err)
	}

	global := filepath.Join(home, ".centerhelper", "centerhelper.toml")
	if err := EnsureParentDir(global); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(global, []byte(""), 0600); err != nil {
		t.Fatal(err)
	}
	if got, _ := configPathIn(local); got != global {
		t.Errorf("global: got %q, want %q", got, global)
	}

	localFile := filepath.Join(local, "centerhelper.json")
	if err := os.WriteFile(localFile, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if got, _ := configPathIn(local); got != localFile {
		t.Errorf("local: got %q, want %q", got, localFile)
	}
}

func TestExpandTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct{ in, want string }{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"~", home},
		{"~/journal.db", filepath.Join(home, "journal.db")},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
