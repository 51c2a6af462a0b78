package charset

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeLegacyLogin returns b decoded as UTF-8 unchanged if it already
// is valid UTF-8; otherwise it falls back to windows-1252, the
// encoding older Outlook/Outlook Express LOGIN clients used for
// usernames and passwords containing non-ASCII characters before
// AUTHENTICATE/UTF8 support was common. Used only for component D's
// LOGIN-credential fallback, never for folder names.
func DecodeLegacyLogin(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
