// Package drive talks to the remote file store's REST API: item metadata,
// folder listings with paging, and a recursive walker that resolves
// shortcuts and guards against listing cycles.
package drive

// Well-known MIME types of the remote store.
const (
	MimeFolder   = "application/vnd.google-apps.folder"
	MimeShortcut = "application/vnd.google-apps.shortcut"
)

// ShortcutDetails carries the target of a shortcut item.
type ShortcutDetails struct {
	TargetID       string `json:"targetId"`
	TargetMimeType string `json:"targetMimeType"`
}

// Item is one entry in a folder listing. Exactly one of three shapes applies:
// a folder, a shortcut (Shortcut != nil), or a regular file. Use IsFolder and
// IsShortcut instead of comparing MIME types directly.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	// FileExtension is the extension the store derived from the original
	// upload, present even when the display name carries none.
	FileExtension string           `json:"fileExtension"`
	Size          int64            `json:"size,string"`
	Trashed       bool             `json:"trashed"`
	ThumbnailLink string           `json:"thumbnailLink"`
	Shortcut      *ShortcutDetails `json:"shortcutDetails"`
}

// IsFolder reports whether the item is a plain folder.
func (it *Item) IsFolder() bool {
	return it.MimeType == MimeFolder
}

// IsShortcut reports whether the item is a shortcut to another item.
func (it *Item) IsShortcut() bool {
	return it.Shortcut != nil || it.MimeType == MimeShortcut
}

// IsFolderShortcut reports whether the item is a shortcut whose target is a
// folder.
func (it *Item) IsFolderShortcut() bool {
	return it.Shortcut != nil && it.Shortcut.TargetMimeType == MimeFolder
}

// File is one downloadable entry produced by the walker. For file shortcuts
// the Item already carries the target's id and MIME type under the shortcut's
// display name, so consumers never see the indirection.
type File struct {
	Item Item
	// Dir is the path of the containing folder relative to the walk root,
	// built from sanitized display names. Empty for the root itself.
	Dir string
}
