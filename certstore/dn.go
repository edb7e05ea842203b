package certstore

import (
	"strings"

	"golang.org/x/text/cases"
)

// dnOrder is the canonical attribute ordering for normalized DN strings.
// Attributes not listed keep their relative order after the known ones.
var dnOrder = []string{"CN", "OU", "O", "L", "ST", "C", "DC", "UID", "SERIALNUMBER", "E"}

var dnFolder = cases.Fold()

type rdn struct {
	key   string
	value string
}

// NormalizeDN rewrites a distinguished name into canonical form: attribute
// types upper-cased, values trimmed and case-folded, components ordered CN,
// OU, O, L, ST, C first. Records are stored and looked up by this form so
// that issuer comparisons don't depend on how a caller happened to serialize
// or capitalize the name. The as-issued spelling stays available in the raw
// certificate bytes.
func NormalizeDN(dn string) string {
	parts := splitDN(dn)
	if len(parts) == 0 {
		return ""
	}
	ordered := make([]rdn, 0, len(parts))
	for _, key := range dnOrder {
		for _, p := range parts {
			if p.key == key {
				ordered = append(ordered, p)
			}
		}
	}
	for _, p := range parts {
		if !isKnownAttr(p.key) {
			ordered = append(ordered, p)
		}
	}
	var b strings.Builder
	for i, p := range ordered {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(dnFolder.String(p.value))
	}
	return b.String()
}

func isKnownAttr(key string) bool {
	for _, k := range dnOrder {
		if k == key {
			return true
		}
	}
	return false
}

// splitDN breaks a DN into components on unescaped commas. Escaped commas
// (preceded by a backslash) stay inside the value.
func splitDN(dn string) []rdn {
	var parts []rdn
	var cur strings.Builder
	escaped := false
	flush := func() {
		component := strings.TrimSpace(cur.String())
		cur.Reset()
		if component == "" {
			return
		}
		eq := strings.IndexByte(component, '=')
		if eq <= 0 {
			return
		}
		key := strings.ToUpper(strings.TrimSpace(component[:eq]))
		value := strings.TrimSpace(component[eq+1:])
		if key != "" && value != "" {
			parts = append(parts, rdn{key: key, value: value})
		}
	}
	for i := 0; i < len(dn); i++ {
		c := dn[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == ',':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return parts
}
