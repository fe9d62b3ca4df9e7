package order

import (
	"regexp"
	"strings"

	"lastpush.com/pkg/xerr"
)

var labelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeDomain lower-cases name, strips a trailing dot and checks it is a
// registrable hostname (at least two labels, alphabetic TLD).
func NormalizeDomain(name string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if d == "" || len(d) > 253 {
		return "", xerr.New(xerr.RequestParamsError, "invalid domain name")
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return "", xerr.New(xerr.RequestParamsError, "domain needs a top-level domain")
	}
	for _, l := range labels {
		if !labelRe.MatchString(l) {
			return "", xerr.New(xerr.RequestParamsError, "invalid domain label "+l)
		}
	}
	tld := labels[len(labels)-1]
	if strings.Trim(tld, "abcdefghijklmnopqrstuvwxyz") != "" && !strings.HasPrefix(tld, "xn--") {
		return "", xerr.New(xerr.RequestParamsError, "invalid top-level domain")
	}
	return d, nil
}
