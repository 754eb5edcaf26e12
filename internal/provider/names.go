package provider

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Sanitize reduces a title or author to a filesystem-safe name: letters
// and digits survive, whitespace runs become single underscores and
// everything else is dropped.
func Sanitize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte('_')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}

// BuildPath returns the final destination for a task's output file:
// <root>/<author>/<task_id>_<title>.<ext>.
func BuildPath(root, author, taskID, title, ext string) string {
	return filepath.Join(root, Sanitize(author), fmt.Sprintf("%s_%s.%s", taskID, Sanitize(title), ext))
}

// TempPath derives the in-progress name for a destination file.
func TempPath(final string) string { return final + ".temp" }

// PartDir returns the scratch directory for a task's partial segments.
func PartDir(root, taskID string) string { return filepath.Join(root, taskID) }
