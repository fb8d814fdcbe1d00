package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/intake"
)

// ResolvePages expands arguments into an ordered page list. A directory
// contributes its images sorted by name; a file must have an image extension.
func ResolvePages(args []string) ([]string, error) {
	var pages []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file not found: %s", arg)
			}
			return nil, fmt.Errorf("failed to access %s: %w", arg, err)
		}
		if info.IsDir() {
			found, err := intake.ScanPages(arg)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return nil, fmt.Errorf("no images found in %s", arg)
			}
			pages = append(pages, found...)
			continue
		}
		if !intake.IsImage(filepath.Ext(arg)) {
			return nil, fmt.Errorf("%s is not a supported image", arg)
		}
		pages = append(pages, arg)
	}
	return pages, nil
}

// ErrorLine renders a submission failure as one line: the kind, then the
// user-facing message.
func ErrorLine(err error) string {
	return fmt.Sprintf("%s: %s", evalerr.KindOf(err), evalerr.Message(err))
}
