package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	// FallbackExtension is used when the client's extension is unusable.
	FallbackExtension = ".bin"

	maxExtensionLength = 16
	maxFileNameRunes   = 128
)

// SanitizeFileName reduces a client supplied file name to a displayable
// base name. It returns "" when nothing usable remains. The result is never
// used as a path.
func SanitizeFileName(raw string) string {
	name := raw
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" || name == "." || name == ".." {
		return ""
	}
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "_")
	}

	var b strings.Builder
	b.Grow(len(name))
	runes := 0
	for _, r := range name {
		if runes == maxFileNameRunes {
			break
		}
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			r = '_'
		}
		b.WriteRune(r)
		runes++
	}

	name = strings.TrimSpace(b.String())
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// NormalizeExtension returns ext lowercased with a leading dot, or the
// fallback extension when ext is empty, too long or contains anything other
// than letters, digits, '-' and '_'.
func NormalizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" || ext == "." {
		return FallbackExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	// Casers carry state, so each call gets its own.
	ext = cases.Lower(language.Und).String(ext)
	if len(ext) > maxExtensionLength {
		return FallbackExtension
	}

	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return FallbackExtension
		}
	}

	return ext
}

// StoredFileName derives the on-disk name for an upload: a sortable UTC
// timestamp with millisecond precision, the upload id and the normalized
// extension of the original name.
func StoredFileName(now time.Time, uploadID, originalFileName string) string {
	now = now.UTC()
	return fmt.Sprintf("%s%03d_%s%s",
		now.Format("20060102150405"),
		now.Nanosecond()/int(time.Millisecond),
		uploadID,
		NormalizeExtension(filepath.Ext(originalFileName)),
	)
}
