package completion

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffLength is how many leading bytes are inspected
const SniffLength = 16

const zipMIME = "application/zip"

type signature struct {
	offset int
	magic  []byte
	mime   string
}

var signatures = []signature{
	{0, []byte("%PDF-"), "application/pdf"},
	{0, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, "image/png"},
	{0, []byte{0xff, 0xd8, 0xff}, "image/jpeg"},
	{0, []byte("GIF87a"), "image/gif"},
	{0, []byte("GIF89a"), "image/gif"},
	{0, []byte("PK\x03\x04"), zipMIME},
	{0, []byte("PK\x05\x06"), zipMIME},
	{0, []byte("PK\x07\x08"), zipMIME},
}

// Sniff returns the MIME type implied by the leading bytes, or "" when none matches
func Sniff(head []byte) string {
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(head) >= end && bytes.Equal(head[sig.offset:end], sig.magic) {
			return sig.mime
		}
	}
	if len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")) {
		return "image/webp"
	}
	return ""
}

var aliases = map[string]string{
	"image/jpg":                    "image/jpeg",
	"image/pjpeg":                  "image/jpeg",
	"application/x-pdf":            "application/pdf",
	"application/x-zip-compressed": zipMIME,
	"application/x-zip":            zipMIME,
}

var zipContainers = map[string]struct{}{
	"application/java-archive":                  {},
	"application/x-java-archive":                {},
	"application/vnd.android.package-archive":   {},
	"application/epub+zip":                      {},
	"application/vnd.ms-xpsdocument":            {},
	"application/oxps":                          {},
	"application/vnd.google-earth.kmz":          {},
	"application/x-xpinstall":                   {},
	"application/vnd.apple.keynote":             {},
	"application/vnd.apple.pages":               {},
	"application/vnd.apple.numbers":             {},
	"application/vnd.visio":                     {},
	"application/vnd.ms-visio.drawing.main+xml": {},
}

func canonical(mime string) string {
	if alias, ok := aliases[mime]; ok {
		return alias
	}
	return mime
}

// Compatible reports whether a sniffed type agrees with the declared one.
// An empty sniffed type never conflicts.
func Compatible(declared, sniffed string) bool {
	if sniffed == "" {
		return true
	}
	declared, sniffed = canonical(declared), canonical(sniffed)
	if declared == sniffed {
		return true
	}
	return sniffed == zipMIME && IsZipContainer(declared)
}

// IsZipContainer reports whether files of this type are ZIP archives
// underneath, as with Office Open XML, OpenDocument, JAR and EPUB.
func IsZipContainer(mime string) bool {
	mime = canonical(mime)
	switch {
	case mime == zipMIME:
		return true
	case strings.HasSuffix(mime, "+zip"):
		return true
	case strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument."):
		return true
	case strings.HasPrefix(mime, "application/vnd.oasis.opendocument."):
		return true
	}
	if _, ok := zipContainers[mime]; ok {
		return true
	}
	return zipLineage(mime)
}

// zipLineage walks the mimetype detection tree upwards from mime
func zipLineage(mime string) bool {
	for m := mimetype.Lookup(mime); m != nil; m = m.Parent() {
		if m.Is(zipMIME) {
			return true
		}
	}
	return false
}
