package intake

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"

	// Decoders for the web-standard containers image.Decode dispatches on.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedImageExtensions maps accepted file extensions to their media type.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".heif": "image/heif",
}

// cameraNativeTypes are containers Go cannot decode natively and that go
// through the Converter first.
var cameraNativeTypes = map[string]bool{
	"image/heic":          true,
	"image/heif":          true,
	"image/heic-sequence": true,
	"image/heif-sequence": true,
}

// heifBrands are the ftyp major brands of HEIF-family files.
var heifBrands = map[string]bool{
	"heic": true, "heix": true, "heim": true, "heis": true,
	"hevc": true, "hevx": true, "hevm": true, "hevs": true,
	"mif1": true, "msf1": true,
}

// IsImage returns true if the file extension corresponds to a supported image.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}

// MediaTypeFor returns the media type for a file name, or "" if unsupported.
func MediaTypeFor(name string) string {
	return SupportedImageExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsCameraNative reports whether an asset needs container conversion before it
// can be decoded. The declared type wins, then the file extension, then the
// ftyp brand in the data itself.
func IsCameraNative(a RawAsset) bool {
	if mt, _, err := mime.ParseMediaType(a.MediaType); err == nil && cameraNativeTypes[strings.ToLower(mt)] {
		return true
	}
	if cameraNativeTypes[MediaTypeFor(a.Name)] {
		return true
	}
	return sniffHEIF(a.Data)
}

func sniffHEIF(b []byte) bool {
	if len(b) < 12 || !bytes.Equal(b[4:8], []byte("ftyp")) {
		return false
	}
	return heifBrands[string(b[8:12])]
}
