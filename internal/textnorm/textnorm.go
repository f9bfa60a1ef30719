// Package textnorm holds the name normalization shared by entity resolution
// and natural-key derivation.
package textnorm

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Name lowercases, trims and collapses internal whitespace after composing
// the input to NFC, so "PERÚ  Libre" and "perú libre" compare equal.
func Name(s string) string {
	s = norm.NFC.String(s)
	s = cases.Lower(language.Spanish).String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Whitespace trims and collapses internal whitespace without changing case.
func Whitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
