package domain

import (
	"path"
	"regexp"
	"strings"
)

const thumbnailSuffix = "_thumb"

// Artifact names are generated, never user-supplied: a 128-bit hex stem,
// an optional thumbnail marker, and a short lowercase extension.
var artifactNameRE = regexp.MustCompile(`^[0-9a-f]{32}(_thumb)?\.[a-z0-9]{1,5}$`)

func ValidArtifactName(name string) bool {
	return artifactNameRE.MatchString(name)
}

// ThumbnailName derives the sibling thumbnail name for a stored artifact:
// "<stem>_thumb.<ext>".
func ThumbnailName(name string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + thumbnailSuffix + ext
}

func IsThumbnailName(name string) bool {
	ext := path.Ext(name)
	return strings.HasSuffix(strings.TrimSuffix(name, ext), thumbnailSuffix)
}

// ArtifactExt returns the lowercase extension without the leading dot, or
// "" when the name has none.
func ArtifactExt(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
