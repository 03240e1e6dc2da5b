package constants

import "strings"

// ImageFormats holds the encodings the rasterizer can emit.
var ImageFormats = []string{"png", "jpeg"}

// AllowedExtensions holds the file extensions accepted for document upload.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// DefaultDocumentName is used as the reference document when the upload has no name.
const DefaultDocumentName = "Document.pdf"

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedUpload reports whether a file name carries an accepted extension.
func IsAllowedUpload(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	_, ok := AllowedExtensions[NormalizeExt(name[i:])]
	return ok
}
