package fs

import (
	"path/filepath"
	"strings"
)

// Kind is the ingestion route for a file.
type Kind string

const (
	KindText    Kind = "text"
	KindHTML    Kind = "html"
	KindImage   Kind = "image"
	KindPDF     Kind = "pdf"
	KindDOCX    Kind = "docx"
	KindUnknown Kind = ""
)

var extToKind = map[string]Kind{
	".txt":      KindText,
	".text":     KindText,
	".md":       KindText,
	".markdown": KindText,

	".html": KindHTML,
	".htm":  KindHTML,

	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".bmp":  KindImage,

	".pdf":  KindPDF,
	".docx": KindDOCX,
}

var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// DetectKind determines how a file is ingested from its extension.
func DetectKind(path string) Kind {
	return extToKind[strings.ToLower(filepath.Ext(path))]
}

// Extractable reports whether kbase can turn files of this kind into chunks
// itself. PDF and DOCX are recognised but need an external extractor.
func (k Kind) Extractable() bool {
	switch k {
	case KindText, KindHTML, KindImage:
		return true
	}
	return false
}

// Known reports whether the kind was recognised at all.
func (k Kind) Known() bool { return k != KindUnknown }

// ImageMediaType returns the MIME type of an image file, or "" when the
// extension is not an image.
func ImageMediaType(path string) string {
	return imageMediaTypes[strings.ToLower(filepath.Ext(path))]
}

// Extensions lists every recognised extension.
func Extensions() []string {
	out := make([]string, 0, len(extToKind))
	for ext := range extToKind {
		out = append(out, ext)
	}
	return out
}
