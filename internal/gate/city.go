package gate

import (
	"net"
	"net/http"
	"strings"
)

// CityParam overrides the host-derived city when present.
const CityParam = "city_domain"

// ResolveCity picks the request city: the city_domain parameter, then the
// leftmost label of the host, then def.
//
// With a base domain configured, only hosts directly under it carry a city
// ("msk.example.com" under "example.com"). Without one, any host of three or
// more labels does. IP literals and "www" never name a city.
func ResolveCity(r *http.Request, baseDomain, def string) string {
	if c := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(CityParam))); c != "" {
		return c
	}
	if c := cityFromHost(hostOnly(r.Host), baseDomain); c != "" {
		return c
	}
	return def
}

func cityFromHost(host, baseDomain string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}

	var label string
	if baseDomain != "" {
		sub, ok := strings.CutSuffix(host, "."+strings.ToLower(baseDomain))
		if !ok || sub == "" || strings.Contains(sub, ".") {
			return ""
		}
		label = sub
	} else {
		labels := strings.Split(host, ".")
		if len(labels) < 3 {
			return ""
		}
		label = labels[0]
	}

	if label == "www" {
		return ""
	}
	return label
}

// hostOnly strips the port from a Host header value.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
