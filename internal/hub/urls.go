package hub

import (
	"net/url"
	"strings"
)

// CanonicalURL validates raw as an absolute http(s) URL without fragment and
// returns its canonical form: lower-case scheme and host, default port
// dropped, empty path replaced by "/".
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", BadRequest("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", BadRequest("invalid URL %q: %v", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", BadRequest("URL %q must be http or https", raw)
	}
	if u.Host == "" {
		return "", BadRequest("URL %q has no host", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return "", BadRequest("URL %q must not contain a fragment", raw)
	}
	if u.User != nil {
		return "", BadRequest("URL %q must not carry credentials", raw)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
