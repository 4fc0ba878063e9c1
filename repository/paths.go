package repository

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const activityTagLimit = 30

var (
	whitespace  = regexp.MustCompile(`\s+`)
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// SanitizeName turns a display name into a storage-safe path segment:
// accents stripped, whitespace runs joined by "_", anything outside
// [a-z0-9_-] dropped, lowercased.
func SanitizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	stripped = whitespace.ReplaceAllString(strings.TrimSpace(stripped), "_")
	return strings.ToLower(unsafeChars.ReplaceAllString(stripped, ""))
}

func segment(name, fallback string) string {
	if s := SanitizeName(name); s != "" {
		return s
	}
	return SanitizeName(fallback)
}

// ObjectLocation names the folders and activity of a submission.
type ObjectLocation struct {
	Project  string
	Front    string
	Locality string
	Activity string
}

// ObjectPath derives the storage path of a submission from values fixed at
// capture time, so every retry of the same submission writes the same object.
//
//	<project>/<front>/<locality>/<activity>_<detail>_<user>_<unixmillis><ext>
func ObjectPath(loc ObjectLocation, sectorDetailID int64, userID string, capturedAt time.Time, ext string) (folder, fileName string) {
	folder = path.Join(
		segment(loc.Project, "General"),
		segment(loc.Front, "Sin_Frente"),
		segment(loc.Locality, "Sin_Localidad"),
	)

	tag := segment(loc.Activity, "Evidencia")
	if len(tag) > activityTagLimit {
		tag = tag[:activityTagLimit]
	}
	user := SanitizeName(userID)
	if len(user) > 8 {
		user = user[:8]
	}
	if user == "" {
		user = "anon"
	}
	if ext == "" {
		ext = ".jpg"
	}
	fileName = fmt.Sprintf("%s_%d_%s_%d%s", tag, sectorDetailID, user, capturedAt.UnixMilli(), ext)
	return folder, fileName
}

// FolderOf returns the folder of an existing object path, "general" for
// objects stored at the bucket root.
func FolderOf(objectPath string) string {
	if i := strings.LastIndex(objectPath, "/"); i > 0 {
		return objectPath[:i]
	}
	return "general"
}
