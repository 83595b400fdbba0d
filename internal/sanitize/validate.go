package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

var (
	// ErrPathTraversal indicates a path contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrInvalidOwnerID indicates an owner id that cannot be accepted.
	ErrInvalidOwnerID = errors.New("invalid owner ID")
)

// MaxOwnerIDLength bounds owner ids accepted at the boundary.
const MaxOwnerIDLength = 128

// ValidatePath cleans path and rejects directory traversal. When
// allowedRoot is set the result must also resolve inside it. The returned
// path is absolute.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if allowedRoot != "" {
		absRoot, err := filepath.Abs(allowedRoot)
		if err != nil {
			return "", fmt.Errorf("failed to resolve allowed root: %w", err)
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: path escapes allowed root", ErrPathTraversal)
		}
	}

	return absPath, nil
}

// ValidateOwnerID accepts any printable id without whitespace up to
// MaxOwnerIDLength bytes. Owner ids reach subjects only through Token.
func ValidateOwnerID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(id) > MaxOwnerIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidOwnerID, MaxOwnerIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidOwnerID)
		}
	}
	return nil
}
