package upload

import (
	"fmt"
	"regexp"
	"strings"
)

// uuidRegex matches the lowercase 8-4-4-4-12 form session ids are issued in.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// safeFilenameRegex allows alphanumeric, dots, hyphens, underscores, spaces, and parentheses.
var safeFilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ ()-]{0,254}$`)

// AllowedContentTypes are the page image types accepted for upload.
var AllowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
	"image/tiff": true,
	"image/bmp":  true,
}

// ValidateSessionID checks that id is a lowercase UUID.
func ValidateSessionID(id string) error {
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid sessionId: must be a UUID (e.g., a1b2c3d4-e5f6-7890-abcd-ef1234567890)")
	}
	return nil
}

// ValidateFilename checks a bare upload filename.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("filename contains invalid characters")
	}
	if !safeFilenameRegex.MatchString(name) {
		return fmt.Errorf("filename contains invalid characters; only alphanumeric, dots, hyphens, underscores, spaces, and parentheses allowed")
	}
	return nil
}

// ValidateKey checks that key has the form <sessionID>/<filename>.
func ValidateKey(sessionID, key string) error {
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid key %q", key)
	}
	prefix, name, ok := strings.Cut(key, "/")
	if !ok || !uuidRegex.MatchString(prefix) || name == "" {
		return fmt.Errorf("invalid key format %q: expected <uuid>/<filename>", key)
	}
	if prefix != sessionID {
		return fmt.Errorf("key %q does not belong to this session", key)
	}
	return ValidateFilename(name)
}
