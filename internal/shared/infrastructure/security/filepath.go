// Package security validates operator-supplied filesystem paths.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dangerousChars are shell metacharacters that never belong in a
// configured path.
var dangerousChars = []string{";", "&", "|", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\n", "\r"}

// ValidateFilePath cleans a configured file path, resolves symlinks for
// existing files and rejects shell metacharacters. Relative paths are
// anchored at the working directory.
func ValidateFilePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return "", fmt.Errorf("file path contains forbidden character %q: %s", char, path)
		}
	}

	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		cleanPath = filepath.Join(cwd, cleanPath)
	}

	resolvedPath, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Not created yet; the cleaned absolute path is enough.
			return cleanPath, nil
		}
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	return resolvedPath, nil
}
