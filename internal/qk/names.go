package qk

import "strings"

// legacyPrefixes were prepended to object names by earlier exporters.
var legacyPrefixes = []string{"quotation_", "quote_", "cotizacion_"}

// ObjectName is the canonical object name of a business key's attachment.
func ObjectName(businessKey string) string {
	return strings.ToUpper(strings.TrimSpace(businessKey)) + ".pdf"
}

// NameVariants returns the object names an attachment may have been stored
// under, canonical name first. The order is deterministic and free of
// duplicates.
func NameVariants(businessKey string) []string {
	base := strings.TrimSpace(businessKey)

	var stems []string
	for _, s := range []string{strings.ToUpper(base), base, strings.ToLower(base)} {
		stems = append(stems, s)
		stems = append(stems, strings.ReplaceAll(s, "-", "_"))
		stems = append(stems, strings.ReplaceAll(s, "-", " "))
	}
	if underscored := strings.ReplaceAll(base, " ", "_"); underscored != base {
		stems = append(stems, strings.ToUpper(strings.ReplaceAll(underscored, "_", "-")))
	}

	var prefixed []string
	for _, p := range prefixVariants() {
		for _, s := range stems {
			prefixed = append(prefixed, p+s)
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, s := range append(stems, prefixed...) {
		add(s + ".pdf")
		add(s + ".PDF")
	}
	return out
}

// prefixVariants returns each legacy prefix in lower, upper and title case.
func prefixVariants() []string {
	var out []string
	for _, p := range legacyPrefixes {
		out = append(out, p, strings.ToUpper(p), strings.ToUpper(p[:1])+p[1:])
	}
	return out
}
