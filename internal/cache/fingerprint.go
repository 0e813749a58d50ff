package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

var fold = cases.Fold()

// Fingerprint is the cache identity of a request: its path, the resolved
// city and the sorted, case-folded query pairs. Parameter order and letter
// case do not change it.
func Fingerprint(path, cityDomain string, params url.Values) string {
	pairs := make([]string, 0, len(params))
	for k, vs := range params {
		k = fold.String(strings.TrimSpace(k))
		for _, v := range vs {
			pairs = append(pairs, k+"="+fold.String(strings.TrimSpace(v)))
		}
	}
	sort.Strings(pairs)

	h := sha256.New()
	h.Write([]byte(fold.String(path)))
	h.Write([]byte{0})
	h.Write([]byte(fold.String(cityDomain)))
	for _, p := range pairs {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
