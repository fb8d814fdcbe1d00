package cli

import (
	"errors"

	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
)

// ErrPickerCanceled is returned when the user closes the picker.
var ErrPickerCanceled = errors.New("file selection canceled")

// PickPages opens the native file dialog for essay page images.
func PickPages() ([]string, error) {
	selected, err := zenity.SelectFileMultiple(
		zenity.Title("Select essay pages"),
		zenity.FileFilters{
			{
				Name: "Page images",
				Patterns: []string{
					"*.jpg", "*.jpeg", "*.png", "*.gif", "*.webp",
					"*.bmp", "*.tif", "*.tiff", "*.heic", "*.heif",
				},
			},
		},
	)
	if err != nil {
		if errors.Is(err, zenity.ErrCanceled) {
			return nil, ErrPickerCanceled
		}
		return nil, err
	}
	log.Info().Int("count", len(selected)).Msg("Pages picked via native dialog")
	return selected, nil
}
