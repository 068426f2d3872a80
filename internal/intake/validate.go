package intake

import (
	"net/url"
	"regexp"
	"strings"
)

var listSeparators = regexp.MustCompile(`[\n,]+`)

// ParseList splits a newline/comma separated blob into trimmed, non-empty tokens in submission order.
// Duplicates are preserved.
func ParseList(raw string) []string {
	parts := listSeparators.Split(raw, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsValidURL reports whether s is an absolute http(s) URL with a host.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	return u.Hostname() != ""
}

// IsValidDocumentURL reports whether s is a valid URL whose path ends in .pdf, ignoring case.
func IsValidDocumentURL(s string) bool {
	if !IsValidURL(s) {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// CrossListDuplicates returns the URLs present in both lists, in document order.
func CrossListDuplicates(documents, pages []string) []string {
	inPages := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		inPages[p] = struct{}{}
	}
	var dups []string
	seen := make(map[string]struct{})
	for _, d := range documents {
		if _, ok := inPages[d]; !ok {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dups = append(dups, d)
	}
	return dups
}

func invalidOf(urls []string, valid func(string) bool) []string {
	var bad []string
	for _, u := range urls {
		if !valid(u) {
			bad = append(bad, u)
		}
	}
	return bad
}

func uniqueOf(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
