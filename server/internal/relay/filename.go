package relay

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const fallbackTitle = "video"

// SanitizeTitle keeps letters, digits, underscores and whitespace. Every
// whitespace rune becomes a plain space so nothing can break a header line.
func SanitizeTitle(title string) string {
	var b strings.Builder

	for _, r := range title {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}

	name := b.String()
	if strings.TrimSpace(name) == "" {
		return fallbackTitle
	}
	return name
}

// ContentDisposition builds an attachment header for name+ext. Non-ASCII
// names get an ASCII filename plus an RFC 5987 filename* parameter.
func ContentDisposition(name, ext string) string {
	ascii := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, name)

	if ascii == name {
		return fmt.Sprintf(`attachment; filename="%s%s"`, name, ext)
	}

	if strings.TrimSpace(ascii) == "" {
		ascii = fallbackTitle
	}

	return fmt.Sprintf(`attachment; filename="%s%s"; filename*=UTF-8''%s`,
		ascii, ext, url.PathEscape(name+ext))
}
