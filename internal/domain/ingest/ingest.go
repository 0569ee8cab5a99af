// Package ingest validates incoming audio filenames and derives the per-file
// base names that exported artifacts are named after.
package ingest

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/forPelevin/voxprep/internal/failures"
)

// AllowedExtensions are the accepted container suffixes, lower case.
var AllowedExtensions = []string{"mp3", "wav", "opus", "ogg", "flac", "m4a", "aac", "wma"}

// ValidateFilename accepts name when the text after its last dot is one of
// AllowedExtensions (case-insensitive) and the stem before it is non-empty.
func ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return failures.Validation("No files selected")
	}
	name = baseOf(name)
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return failures.Validation(fmt.Sprintf("File type not allowed: %q has no extension", name))
	}
	if dot == 0 {
		return failures.Validation(fmt.Sprintf("File type not allowed: %q has an empty name", name))
	}
	ext := strings.ToLower(name[dot+1:])
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return failures.Validation(fmt.Sprintf("File type not allowed: .%s (allowed: %s)", ext, strings.Join(AllowedExtensions, ", ")))
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	name = baseOf(name)
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ""
	}
	return strings.ToLower(name[dot+1:])
}

// BaseName turns an uploaded filename into a filesystem-safe stem: directory
// parts and extension dropped, diacritics folded, runs of anything that is not
// a letter or digit collapsed into one dash.
func BaseName(filename string) string {
	name := baseOf(filename)
	if dot := strings.LastIndex(name, "."); dot > 0 {
		name = name[:dot]
	}
	name = NormalizeSegment(name)
	if name == "" {
		return "audio"
	}
	return name
}

var fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeSegment lowercases s, folds diacritics and replaces separator runs
// with single dashes.
func NormalizeSegment(s string) string {
	folded, _, err := transform.String(fold, s)
	if err == nil {
		s = folded
	}
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// Namer hands out base names that are unique within one batch, so two
// uploads called voice.mp3 do not overwrite each other's segments.
// The zero value is ready to use; it is not safe for concurrent use.
type Namer struct {
	used map[string]bool
}

// Allocate returns BaseName(filename), suffixed with -2, -3, ... when the
// plain name was already handed out.
func (n *Namer) Allocate(filename string) string {
	if n.used == nil {
		n.used = make(map[string]bool)
	}
	base := BaseName(filename)
	name := base
	for i := 2; n.used[name]; i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	n.used[name] = true
	return name
}

func baseOf(name string) string {
	return path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
}
