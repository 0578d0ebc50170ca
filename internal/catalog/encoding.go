package catalog

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

// DefaultEncoding is assumed when none is configured.
const DefaultEncoding = "utf-8"

var encodings = map[string]encoding.Encoding{
	"utf-8":        unicode.UTF8BOM,
	"utf8":         unicode.UTF8BOM,
	"windows-1251": charmap.Windows1251,
	"cp1251":       charmap.Windows1251,
	"koi8-r":       charmap.KOI8R,
	"koi8r":        charmap.KOI8R,
}

// SupportedEncodings lists the canonical encoding names.
func SupportedEncodings() []string {
	return []string{"utf-8", "windows-1251", "koi8-r"}
}

// IsSupportedEncoding reports whether DecodeReader accepts name.
func IsSupportedEncoding(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	_, ok := encodings[key]
	return ok || key == ""
}

// DecodeReader wraps r so that it yields UTF-8. A UTF-8 byte order mark is
// dropped. An empty name means utf-8.
func DecodeReader(r io.Reader, name string) (io.Reader, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultEncoding
	}
	enc, ok := encodings[key]
	if !ok {
		return nil, tzerrors.New(tzerrors.ErrCodeEncoding, fmt.Sprintf("unknown catalog encoding %q", name), nil).
			WithSuggestion("Use one of: " + strings.Join(SupportedEncodings(), ", "))
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
