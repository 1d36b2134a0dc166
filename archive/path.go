package archive

import (
	"fmt"
	"path"
	"strings"
)

// cleanPath enforces spec §4.1's path contract: absolute, rooted at '/',
// and never able to escape the root via '..' traversal.
func cleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path must be absolute: %q", p)
	}
	depth := 0
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if depth == 0 {
				return "", fmt.Errorf("path escapes root: %q", p)
			}
			depth--
		default:
			depth++
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("path escapes root: %q", p)
	}
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("path escapes root: %q", p)
	}
	return cleaned, nil
}
