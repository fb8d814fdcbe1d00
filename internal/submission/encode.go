package submission

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/fpang/ielts-examiner/internal/intake"
)

// Multipart field names the evaluator reads.
const (
	FieldEssayText = "essay_text"
	FieldFile      = "file"
	FieldFiles     = "files"
)

// Encode renders the request as a multipart/form-data body. Text mode sends
// essay_text, single-image sends one file, multi-image sends repeated files in
// batch order.
func (r *Request) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	switch r.mode {
	case ModeText:
		if err := w.WriteField(FieldEssayText, r.text); err != nil {
			return nil, "", fmt.Errorf("write %s: %w", FieldEssayText, err)
		}
	case ModeSingleImage:
		if err := writeAsset(w, FieldFile, r.asset, 0); err != nil {
			return nil, "", err
		}
	case ModeMultiImage:
		for i, a := range r.batch.Assets() {
			if err := writeAsset(w, FieldFiles, a, i); err != nil {
				return nil, "", err
			}
		}
	default:
		return nil, "", fmt.Errorf("encode: unsupported mode %s", r.mode)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeAsset(w *multipart.Writer, field string, a *intake.NormalizedAsset, i int) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, uploadName(a.Name(), i)))
	h.Set("Content-Type", a.MediaType())

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := io.Copy(part, a.Reader()); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}

// uploadName gives the re-encoded page a .jpg name. Quotes and path
// separators are stripped so the header stays well formed.
func uploadName(name string, i int) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\r', '\n':
			return -1
		}
		return r
	}, base)
	if base == "" || base == "." || base == "/" {
		base = fmt.Sprintf("page-%d", i+1)
	}
	return base + ".jpg"
}
