package sanitize

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveInRoot(t *testing.T) {
	root := t.TempDir()
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{name: "empty path", path: "", wantErr: ErrEmptyPath},
		{name: "blank path", path: "   ", wantErr: ErrEmptyPath},
		{name: "relative file", path: "notes.md", want: filepath.Join(realRoot, "notes.md")},
		{name: "nested missing dirs", path: "a/b/c.txt", want: filepath.Join(realRoot, "a", "b", "c.txt")},
		{name: "existing dir", path: "src", want: filepath.Join(realRoot, "src")},
		{name: "root itself", path: ".", want: realRoot},
		{name: "inner dots stay inside", path: "src/../notes.md", want: filepath.Join(realRoot, "notes.md")},
		{name: "absolute inside", path: filepath.Join(realRoot, "src", "x.go"), want: filepath.Join(realRoot, "src", "x.go")},
		{name: "traversal", path: "../etc/passwd", wantErr: ErrPathTraversal},
		{name: "traversal in middle", path: "src/../../outside", wantErr: ErrPathTraversal},
		{name: "absolute outside", path: "/etc/passwd", wantErr: ErrPathTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveInRoot(tt.path, root)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolveInRoot(%q) error = %v, want %v", tt.path, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveInRoot(%q) unexpected error: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("ResolveInRoot(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolveInRoot_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := ResolveInRoot("link/secret.txt", root); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal through symlink, got %v", err)
	}
}

func TestResolveInRoot_SymlinkInside(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := ResolveInRoot("alias/file.txt", root); err != nil {
		t.Errorf("symlink inside root should resolve, got %v", err)
	}
}

func TestRelativeTo(t *testing.T) {
	root := t.TempDir()
	abs, err := ResolveInRoot("a/b.txt", root)
	if err != nil {
		t.Fatal(err)
	}
	if got := RelativeTo(abs, root); got != "a/b.txt" {
		t.Errorf("RelativeTo = %q, want a/b.txt", got)
	}
	if got := RelativeTo("/elsewhere/x", root); got != "/elsewhere/x" {
		t.Errorf("RelativeTo outside root = %q, want unchanged", got)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"read_file", "run_command", "x", "tool2"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) unexpected error: %v", name, err)
		}
	}

	invalid := []string{"", "Read", "2tool", "run-command", "rm;ls", "a b"}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestValidateGlobPattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"", false},
		{"*.go", false},
		{"test_*.py", false},
		{"[abc]*.md", false},
		{"*.go; rm -rf /", true},
		{"$(whoami)", true},
		{"`id`", true},
		{"../*.go", true},
		{"src/*.go", true},
		{"****", true},
		{"[", true},
	}

	for _, tt := range tests {
		err := ValidateGlobPattern(tt.pattern)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateGlobPattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("ValidateGlobPattern(%q) error = %v, want ErrInvalidPattern", tt.pattern, err)
		}
	}
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	if !DirExists(dir) {
		t.Errorf("DirExists(%q) = false", dir)
	}
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if DirExists(file) {
		t.Errorf("DirExists on file = true")
	}
}
