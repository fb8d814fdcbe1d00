package intake

import (
	"bytes"
	"image"
	"strings"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// exifOrientation reads the EXIF orientation tag (1-8). Anything unreadable is
// treated as 1 (upright); plenty of scans and screenshots carry no EXIF at all.
// imagemeta can panic on TIFF layouts it does not expect; the pixels already
// decoded, so the page is kept upright.
func exifOrientation(data []byte, name string) (o int) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Str("file", name).Msg("EXIF parse failed, assuming upright")
			o = 1
		}
	}()

	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}

	o = int(exifData.Orientation)
	if cameraMake := strings.TrimSpace(exifData.Make); cameraMake != "" {
		log.Debug().
			Str("file", name).
			Str("camera_make", cameraMake).
			Str("camera_model", strings.TrimSpace(exifData.Model)).
			Int("orientation", o).
			Msg("Page photo EXIF read")
	}
	if o < 1 || o > 8 {
		return 1
	}
	return o
}

// swapsAxes reports whether orientation o displays the image rotated a quarter turn.
func swapsAxes(o int) bool {
	return o >= 5 && o <= 8
}

// orient returns src transformed so that it displays upright for EXIF orientation o.
func orient(src *image.RGBA, o int) *image.RGBA {
	if o <= 1 || o > 8 {
		return src
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if swapsAxes(o) {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			var sx, sy int
			switch o {
			case 2:
				sx, sy = w-1-x, y
			case 3:
				sx, sy = w-1-x, h-1-y
			case 4:
				sx, sy = x, h-1-y
			case 5:
				sx, sy = y, x
			case 6:
				sx, sy = y, h-1-x
			case 7:
				sx, sy = w-1-y, h-1-x
			case 8:
				sx, sy = w-1-y, x
			}
			dst.SetRGBA(x, y, src.RGBAAt(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}
