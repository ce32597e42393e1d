package model

import (
	"regexp"
	"strings"
)

var rePlaceholder = regexp.MustCompile(`^phone-(\d{7,15})(?:-(\d{4}))?$`)

// NormalizePhone keeps digits only and drops the NANP country code on 11-digit numbers.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d
}

// FormatPhone renders a number for display: (555) 123-4567 for 10 digits, +digits otherwise.
func FormatPhone(s string) string {
	d := NormalizePhone(s)
	switch {
	case d == "":
		return ""
	case len(d) == 10:
		return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
	default:
		return "+" + d
	}
}

// PlaceholderSlug is the unique per-(patient, location) key of a phone placeholder contact.
func PlaceholderSlug(phone, locationSuffix string) string {
	s := "phone-" + NormalizePhone(phone)
	if locationSuffix != "" {
		s += "-" + locationSuffix
	}
	return s
}

// ParsePlaceholderSlug extracts digits and location suffix from a placeholder slug.
func ParsePlaceholderSlug(slug string) (digits, suffix string, ok bool) {
	m := rePlaceholder.FindStringSubmatch(slug)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
