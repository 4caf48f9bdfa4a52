package server

import "path/filepath"

// suffixType is the closed extension table; anything else is text/plain.
var suffixType = map[string]string{
	// Text formats
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".css":   "text/css",
	".js":    "text/javascript",

	// Documents
	".pdf":  "application/pdf",
	".word": "application/msword",

	// Images
	".png":  "image/png",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",

	// Audio and video
	".au":   "audio/basic",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".avi":  "video/x-msvideo",

	// Archives
	".gz":  "application/x-gzip",
	".tar": "application/x-tar",
}

const defaultContentType = "text/plain"

// contentTypeOf determines the MIME type from a file extension.
func contentTypeOf(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return defaultContentType
	}
	if t, ok := suffixType[ext]; ok {
		return t
	}
	return defaultContentType
}
