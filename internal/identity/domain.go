package identity

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// domainPattern matches label(.label)+.tld with a 2-6 letter TLD.
var domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,6}\b`)

var errNoDomain = errors.New("no domain found in input text")

// ExtractDomain returns the normalized form of the first domain-shaped
// substring of text. Callers should treat an ExtractionError as "nothing to
// link".
func ExtractDomain(text string) (string, error) {
	match := domainPattern.FindString(text)
	if match == "" {
		return "", botnet.ExtractionError("extract domain", errNoDomain)
	}
	domain := NormalizeDomain(match)
	if domain == "" {
		return "", botnet.ExtractionError("extract domain", fmt.Errorf("unusable domain %q", match))
	}
	return domain, nil
}

// NormalizeDomain folds textual variants of a host to one key: it strips any
// scheme, path, port, surrounding dots and a leading "www.", and lowercases.
// Subdomains stay distinct, so sites.google.com and google.com are separate
// domains.
func NormalizeDomain(raw string) string {
	d := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.Trim(d, ".")
	d = strings.TrimPrefix(d, "www.")
	if d == "" || !strings.Contains(d, ".") {
		return ""
	}
	return d
}

// RegistrableDomain returns the eTLD+1 of a normalized host, used to group
// sibling hosts of one site. Hosts the public suffix list cannot place are
// returned unchanged.
func RegistrableDomain(host string) string {
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}
