package vfs

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vaultfs/vaultfs/internal/vpath"
)

var extToMIME = map[string]string{
	".bmp":  "image/bmp",
	".css":  "text/css",
	".csv":  "text/csv",
	".htm":  "text/html",
	".html": "text/html",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".json": "application/json",
	".mp3":  "audio/mpeg",
	".mpeg": "video/mpeg",
	".ogg":  "audio/ogg",
	".ogv":  "video/ogg",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".txt":  "text/plain",
	".wav":  "audio/wav",
	".webm": "video/webm",
	".webp": "image/webp",
	".xml":  "text/xml",
}

// ContentType returns the MIME type for a file named name. Known extensions
// map through a fixed table; anything else is sniffed from data, which yields
// application/octet-stream or text/plain when nothing specific matches.
func ContentType(name string, data []byte) string {
	if t, ok := ContentTypeByExt(name); ok {
		return t
	}
	return mimetype.Detect(data).String()
}

// ContentTypeByExt looks name up in the extension table only.
func ContentTypeByExt(name string) (string, bool) {
	t, ok := extToMIME[strings.ToLower(vpath.Ext(name))]
	return t, ok
}
