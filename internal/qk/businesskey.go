package qk

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// KeyParts are the tokens a business key is built from.
//
//	ACME-JS-0042-R1          (no project)
//	ACME-JS-0042-TOWER-R3    (with project)
type KeyParts struct {
	Client      string
	Salesperson string
	Sequence    int64
	Project     string
	Revision    int
}

// NormalizeToken upper-cases a token and drops every rune that is not a
// letter or digit, so tokens never contain the key separator.
func NormalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PatternKey returns the counter scope for a client and salesperson pair.
func PatternKey(client, salesperson string) string {
	return NormalizeToken(client) + "-" + NormalizeToken(salesperson)
}

// SplitPatternKey splits a pattern key such as "ACME-JS" into its client and
// salesperson tokens, normalizing both.
func SplitPatternKey(patternKey string) (client, salesperson string, err error) {
	parts := strings.Split(patternKey, "-")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: pattern key %q must be CLIENT-SALES", ErrInvalidBusinessKey, patternKey)
	}
	client, salesperson = NormalizeToken(parts[0]), NormalizeToken(parts[1])
	if client == "" || salesperson == "" {
		return "", "", fmt.Errorf("%w: pattern key %q has an empty token", ErrInvalidBusinessKey, patternKey)
	}
	return client, salesperson, nil
}

// PatternKey returns the counter scope of the key.
func (k KeyParts) PatternKey() string {
	return PatternKey(k.Client, k.Salesperson)
}

// Identity returns the key of the logical quotation, without the revision.
func (k KeyParts) Identity() string {
	id := fmt.Sprintf("%s-%04d", k.PatternKey(), k.Sequence)
	if p := NormalizeToken(k.Project); p != "" {
		id += "-" + p
	}
	return id
}

// String renders the full business key.
func (k KeyParts) String() string {
	return fmt.Sprintf("%s-R%d", k.Identity(), k.Revision)
}

// WithRevision returns a copy of k at the given revision.
func (k KeyParts) WithRevision(rev int) KeyParts {
	k.Revision = rev
	return k
}

// ParseBusinessKey parses a key produced by KeyParts.String.
func ParseBusinessKey(key string) (KeyParts, error) {
	parts := strings.Split(key, "-")
	if len(parts) != 4 && len(parts) != 5 {
		return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidBusinessKey, key)
	}

	last := parts[len(parts)-1]
	if len(last) < 2 || last[0] != 'R' {
		return KeyParts{}, fmt.Errorf("%w: %q has no revision segment", ErrInvalidBusinessKey, key)
	}
	rev, err := strconv.Atoi(last[1:])
	if err != nil || rev < 1 {
		return KeyParts{}, fmt.Errorf("%w: %q has a bad revision", ErrInvalidBusinessKey, key)
	}

	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq < 1 {
		return KeyParts{}, fmt.Errorf("%w: %q has a bad sequence", ErrInvalidBusinessKey, key)
	}

	k := KeyParts{
		Client:      parts[0],
		Salesperson: parts[1],
		Sequence:    seq,
		Revision:    rev,
	}
	if len(parts) == 5 {
		k.Project = parts[3]
	}
	if k.Client == "" || k.Salesperson == "" || (len(parts) == 5 && k.Project == "") {
		return KeyParts{}, fmt.Errorf("%w: %q has an empty token", ErrInvalidBusinessKey, key)
	}
	return k, nil
}

// IdentityOf returns the identity of a business key, or the key itself when
// it does not parse (legacy keys are their own identity).
func IdentityOf(key string) string {
	k, err := ParseBusinessKey(key)
	if err != nil {
		return key
	}
	return k.Identity()
}
