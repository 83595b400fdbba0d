package sanitize

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name        string
		path        string
		allowedRoot string
		wantErr     error
	}{
		{name: "empty path", path: "", wantErr: ErrEmptyPath},
		{name: "relative path", path: "data/sessions.json"},
		{name: "absolute path", path: "/tmp/forged"},
		{name: "traversal", path: "../etc/passwd", wantErr: ErrPathTraversal},
		{name: "hidden traversal", path: "data/../../etc", wantErr: ErrPathTraversal},
		{name: "inside root", path: filepath.Join(root, "sessions"), allowedRoot: root},
		{name: "root itself", path: root, allowedRoot: root},
		{name: "outside root", path: "/etc/passwd", allowedRoot: root, wantErr: ErrPathTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePath(tt.path, tt.allowedRoot)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ValidatePath(%q, %q) error = %v, want %v", tt.path, tt.allowedRoot, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidatePath(%q, %q) unexpected error: %v", tt.path, tt.allowedRoot, err)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("expected absolute path, got %q", got)
			}
		})
	}
}

func TestValidateOwnerID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "simple", id: "alice"},
		{name: "email", id: "alice@example.com"},
		{name: "dotted", id: "org.team.alice"},
		{name: "empty", id: "", wantErr: true},
		{name: "space", id: "alice smith", wantErr: true},
		{name: "newline", id: "alice\n", wantErr: true},
		{name: "control", id: "al\x00ice", wantErr: true},
		{name: "too long", id: strings.Repeat("a", MaxOwnerIDLength+1), wantErr: true},
		{name: "max length", id: strings.Repeat("a", MaxOwnerIDLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOwnerID(tt.id)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOwnerID) {
					t.Errorf("ValidateOwnerID(%q) error = %v, want ErrInvalidOwnerID", tt.id, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateOwnerID(%q) unexpected error: %v", tt.id, err)
			}
		})
	}
}
