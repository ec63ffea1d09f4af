// Package ids issues human readable identifiers for jobs, clusters,
// batches and driver orders.
//
// Counters are never stored separately. The next value is derived from the
// highest value already present in the data, so an identifier is never
// reissued even after records are removed from the middle of a range.
package ids

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Identifier prefixes.
const (
	JobPrefix     = "J"
	ClusterPrefix = "C"
	BatchPrefix   = "B"
)

// Parse returns the numeric part of v when v is prefix followed by digits.
func Parse(prefix, v string) (int, bool) {
	if !strings.HasPrefix(v, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(v[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// MaxSeq returns the highest number found among values carrying prefix.
func MaxSeq(prefix string, values []string) int {
	max := 0
	for _, v := range values {
		if n, ok := Parse(prefix, v); ok && n > max {
			max = n
		}
	}
	return max
}

// Format renders prefix and n as an identifier.
func Format(prefix string, n int) string {
	return prefix + strconv.Itoa(n)
}

// Counter hands out identifiers above the highest observed value.
type Counter struct {
	prefix string
	last   int
}

// NewCounter seeds a counter from observed values.
func NewCounter(prefix string, observed []string) *Counter {
	return &Counter{prefix: prefix, last: MaxSeq(prefix, observed)}
}

// Next returns the next unused identifier.
func (c *Counter) Next() string {
	c.last++
	return Format(c.prefix, c.last)
}

// Observe raises the counter past v when v belongs to its namespace.
func (c *Counter) Observe(v string) {
	if n, ok := Parse(c.prefix, v); ok && n > c.last {
		c.last = n
	}
}

// OrderPrefix derives a driver's order namespace from the initials of its
// name, e.g. "Alice Smith" becomes "AS-". Accents are folded so "Émile
// Zoë" and "Emile Zoe" share "EZ-".
func OrderPrefix(driver string) string {
	var b strings.Builder
	for _, word := range strings.FieldsFunc(fold(driver), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		r := []rune(word)[0]
		b.WriteRune(unicode.ToUpper(r))
	}
	if b.Len() == 0 {
		b.WriteString("DRV")
	}
	b.WriteByte('-')
	return b.String()
}

// SplitOrderNo returns the namespace prefix of an order number.
func SplitOrderNo(v string) (prefix string, ok bool) {
	i := strings.LastIndexByte(v, '-')
	if i <= 0 || i == len(v)-1 {
		return "", false
	}
	if _, err := strconv.Atoi(v[i+1:]); err != nil {
		return "", false
	}
	return v[:i+1], true
}

func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
