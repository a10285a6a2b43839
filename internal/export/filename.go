package export

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	thumbSuffix     = "_thumb"
	pngExt          = ".png"
	timestampLayout = "20060102_150405"
)

// DeriveFilename names an export. An explicit filename wins over the original
// upload name; with neither, a timestamped product name is used. The result
// always ends in "_thumb" plus a .png extension, never with a doubled suffix.
func DeriveFilename(filename, originalName string, now time.Time) string {
	filename = baseName(filename)
	originalName = baseName(originalName)

	switch {
	case filename != "":
		stem := strings.TrimSuffix(filename, filepath.Ext(filename))
		if !strings.HasSuffix(stem, thumbSuffix) {
			return stem + thumbSuffix + pngExt
		}
		if strings.EqualFold(filepath.Ext(filename), pngExt) {
			return filename
		}
		return stem + pngExt
	case originalName != "":
		return strings.TrimSuffix(originalName, filepath.Ext(originalName)) + thumbSuffix + pngExt
	default:
		return "product_" + now.Format(timestampLayout) + thumbSuffix + pngExt
	}
}

// UniqueName builds a collision-resistant stem for batch callers:
// <clean base>_<timestamp>_<8 hex>. Only letters, digits, '-', '_' and
// spaces survive cleaning and spaces become underscores.
func UniqueName(base string, now time.Time) string {
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}

	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		clean = "thumbnail"
	}
	return clean + "_" + now.Format(timestampLayout) + "_" + uuid.NewString()[:8]
}

func baseName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
