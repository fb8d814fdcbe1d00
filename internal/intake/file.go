package intake

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evalerr"
)

// LoadFile reads an image from disk as a RawAsset. Files larger than maxBytes
// are refused before reading (zero means no limit).
func LoadFile(path string, maxBytes int64) (RawAsset, error) {
	name := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RawAsset{}, evalerr.ForAsset(evalerr.KindMissingInput, name,
				fmt.Sprintf("%s does not exist.", path), err)
		}
		return RawAsset{}, evalerr.ForAsset(evalerr.KindAssetDecode, name,
			fmt.Sprintf("%s could not be opened.", path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return RawAsset{}, evalerr.ForAsset(evalerr.KindAssetDecode, name, fmt.Sprintf("%s could not be read.", path), err)
	}
	if !info.Mode().IsRegular() {
		return RawAsset{}, evalerr.ForAsset(evalerr.KindMissingInput, name, fmt.Sprintf("%s is not a file.", path), nil)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return RawAsset{}, evalerr.ForAsset(evalerr.KindOversizeAsset, name, sizeMessage(name, info.Size(), maxBytes), nil)
	}

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return RawAsset{}, evalerr.ForAsset(evalerr.KindAssetDecode, name, fmt.Sprintf("%s could not be read.", path), err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return RawAsset{}, evalerr.ForAsset(evalerr.KindOversizeAsset, name, sizeMessage(name, int64(len(data)), maxBytes), nil)
	}
	return RawAsset{Name: name, MediaType: MediaTypeFor(name), Data: data}, nil
}

// ScanPages lists the image files directly inside dir, sorted by name, so a
// folder of photographed pages becomes an ordered page list. Symlinks to
// files are followed; subdirectories are not entered.
func ScanPages(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dir)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var pages []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil || target.IsDir() {
				log.Debug().Str("path", path).Msg("Skipping symlink")
				continue
			}
		}
		if !IsImage(strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		pages = append(pages, path)
	}

	log.Debug().Str("directory", dir).Int("pages", len(pages)).Msg("Page scan complete")
	return pages, nil
}

// ExpandPages replaces each directory in paths with its pages (see ScanPages),
// keeping the order paths were given in. Other paths pass through unchanged;
// LoadFile reports anything wrong with them.
func ExpandPages(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			out = append(out, p)
			continue
		}
		found, err := ScanPages(p)
		if err != nil {
			return nil, evalerr.Wrap(evalerr.KindMissingInput, fmt.Sprintf("%s could not be read.", p), err)
		}
		if len(found) == 0 {
			return nil, evalerr.New(evalerr.KindMissingInput, fmt.Sprintf("No images found in %s.", p))
		}
		out = append(out, found...)
	}
	return out, nil
}
