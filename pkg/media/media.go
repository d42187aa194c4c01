// Package media classifies remote items into download categories and owns
// the naming scheme for mirrored files.
package media

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ontahood/drive-fetch/pkg/util"
)

// Kind is the download category of a remote item.
type Kind int

const (
	KindDocument Kind = iota
	KindImage
	KindVideo
)

var kindNames = map[Kind]string{
	KindDocument: "document",
	KindImage:    "image",
	KindVideo:    "video",
}

var kindValues = util.InvertMap(kindNames)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindFromString parses a kind name. Unknown names map to KindDocument.
func KindFromString(s string) Kind {
	if k, ok := kindValues[strings.ToLower(s)]; ok {
		return k
	}
	return KindDocument
}

// Extension allow-lists for files whose MIME type is missing or generic.
// Raw camera formats land here because stores often report them as
// application/octet-stream.
var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".tif": {}, ".tiff": {}, ".bmp": {}, ".heic": {}, ".heif": {},
	".cr2": {}, ".cr3": {}, ".arw": {}, ".nef": {}, ".dng": {},
	".raf": {}, ".rw2": {},
}

var videoExts = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".m4v": {}, ".mkv": {}, ".avi": {},
	".webm": {}, ".mts": {}, ".m2ts": {}, ".3gp": {}, ".mod": {}, ".tod": {},
}

// Classify determines the category of an item from its MIME type first and
// its file extension second. listingExt is the store's own extension field
// (without leading dot) and covers files whose display name carries none.
// Anything that is neither image nor video is a document.
func Classify(mimeType, name, listingExt string) Kind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if strings.HasPrefix(mt, "image/") {
		return KindImage
	}
	if strings.HasPrefix(mt, "video/") {
		return KindVideo
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" && listingExt != "" {
		ext = "." + strings.ToLower(listingExt)
	}
	if _, ok := imageExts[ext]; ok {
		return KindImage
	}
	if _, ok := videoExts[ext]; ok {
		return KindVideo
	}
	return KindDocument
}

// IsImageExt reports whether ext (with leading dot) is a known image extension.
func IsImageExt(ext string) bool {
	_, ok := imageExts[strings.ToLower(ext)]
	return ok
}

// IsVideoExt reports whether ext (with leading dot) is a known video extension.
func IsVideoExt(ext string) bool {
	_, ok := videoExts[strings.ToLower(ext)]
	return ok
}

// TargetName builds the on-disk file name for a remote item. The remote id is
// embedded so two items with the same display name never collide and so a
// later pass can map a local file back to its remote source. Preview targets
// carry the pixel width and are always JPEG.
//
//	photo.nef       -> photo__<id>.nef        (full resolution)
//	photo.nef @w400 -> photo__<id>_w400.jpg   (preview)
func TargetName(displayName, id string, previewWidth int, ext string) string {
	base := strings.TrimSuffix(displayName, filepath.Ext(displayName))
	base = util.SafeFileName(base)
	if previewWidth > 0 {
		return fmt.Sprintf("%s__%s_w%d.jpg", base, id, previewWidth)
	}
	return fmt.Sprintf("%s__%s%s", base, id, ext)
}

// FileExt returns the extension to use for a full-resolution target. The
// display name wins, then the store's own extension field, then the MIME
// type; files that give no hint at all fall back to a default for their
// kind so a camera upload without a name still lands as .jpg or .mp4.
func FileExt(name, mimeType, listingExt string, kind Kind) string {
	if ext := filepath.Ext(name); ext != "" {
		return strings.ToLower(ext)
	}
	if listingExt != "" {
		return "." + strings.ToLower(listingExt)
	}
	mt := strings.ToLower(mimeType)
	switch {
	case strings.Contains(mt, "pdf"):
		return ".pdf"
	case strings.HasPrefix(mt, "text/"):
		return ".txt"
	}
	switch kind {
	case KindImage:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	default:
		return ".dat"
	}
}

// previewTarget matches file names produced by TargetName in preview mode and
// captures the embedded remote id.
var previewTarget = regexp.MustCompile(`__(?P<fid>[A-Za-z0-9_-]+)_w\d+\.jpg$`)

// ParsePreviewTarget extracts the remote id from a preview file name.
// It returns false when the name is not a preview target.
func ParsePreviewTarget(name string) (id string, ok bool) {
	m := previewTarget.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Thumbnail size estimation bounds.
const (
	minThumbEstimate     = 40 * 1024
	maxThumbEstimate     = 3 * 1024 * 1024
	defaultThumbEstimate = 100 * 1024
)

// EstimateThumbnailSize predicts the compressed size of a JPEG preview at the
// given pixel width, assuming a 4:3 frame. The estimate only feeds progress
// totals and the free-space preflight, it never gates a download.
func EstimateThumbnailSize(width int) int64 {
	if width <= 0 {
		return defaultThumbEstimate
	}
	est := int64(0.1875 * float64(width) * (0.75 * float64(width)))
	if est < minThumbEstimate {
		return minThumbEstimate
	}
	if est > maxThumbEstimate {
		return maxThumbEstimate
	}
	return est
}
