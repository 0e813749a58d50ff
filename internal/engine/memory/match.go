package memory

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// tokenize splits lower-cased s on anything but letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// autoFuzziness mirrors the AUTO edit distance: exact for short terms,
// one edit up to five runes, two beyond.
func autoFuzziness(term string) int {
	switch n := utf8.RuneCountInString(term); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// editDistance is the optimal string alignment distance: insertions,
// deletions, substitutions and adjacent transpositions each cost one.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	d := make([][]int, len(ra)+1)
	for i := range d {
		d[i] = make([]int, len(rb)+1)
		d[i][0] = i
	}
	for j := range d[0] {
		d[0][j] = j
	}
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			d[i][j] = min(d[i-1][j]+1, d[i][j-1]+1, d[i-1][j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				d[i][j] = min(d[i][j], d[i-2][j-2]+1)
			}
		}
	}
	return d[len(ra)][len(rb)]
}

func fuzzyMatch(field, value string) bool {
	qt := tokenize(value)
	if len(qt) == 0 {
		return false
	}
	ft := tokenize(field)
	for _, q := range qt {
		limit := autoFuzziness(q)
		found := false
		for _, f := range ft {
			if editDistance(q, f) <= limit {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func phraseMatch(field, value string) bool {
	qt := tokenize(value)
	if len(qt) == 0 {
		return false
	}
	return strings.Contains(" "+strings.Join(tokenize(field), " ")+" ", " "+strings.Join(qt, " ")+" ")
}

func prefixMatch(field, value string) bool {
	qt := tokenize(value)
	if len(qt) == 0 {
		return false
	}
	ft := tokenize(field)
	has := func(pred func(string) bool) bool {
		for _, f := range ft {
			if pred(f) {
				return true
			}
		}
		return false
	}
	for _, q := range qt[:len(qt)-1] {
		if !has(func(f string) bool { return f == q }) {
			return false
		}
	}
	last := qt[len(qt)-1]
	return has(func(f string) bool { return strings.HasPrefix(f, last) })
}

// wildcardMatch matches lower-cased s against pattern.
func wildcardMatch(pattern, s string) bool {
	return globMatch([]rune(pattern), []rune(strings.ToLower(s)))
}

func globMatch(p, s []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(p, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
		case '\\':
			if len(p) > 1 {
				p = p[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
		}
		p, s = p[1:], s[1:]
	}
	return len(s) == 0
}
