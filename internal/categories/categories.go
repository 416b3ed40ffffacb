// Package categories defines the canonical spend-category set.
//
// Every budget, allocation lot, and transaction is keyed by one of these
// fixed strings. Matching is case-insensitive exact: "transport" and
// "TRANSPORT" canonicalize to "Transport", but no aliasing or fuzzy
// matching is performed.
package categories

import (
	"errors"
	"strings"
)

// ErrUnknownCategory marks a category outside the canonical set.
var ErrUnknownCategory = errors.New("unknown category")

// All is the canonical category set, in display order.
var All = []string{
	"Tuition",
	"Housing",
	"Books",
	"Food & Groceries",
	"Restaurants & Fast Food",
	"Transport",
	"Utilities",
	"Data & Airtime",
	"Hardware",
	"Libraries",
	"Labs & Classrooms",
	"Health & Wellness",
	"Student Center & Societies",
	"Sports & Recreation",
	"Arts & Culture",
	"Campus Accommodation Services",
	"Stationery & Supplies",
	"Apparel",
	"Financial Services",
	"Other",
	"General Retail",
}

var byFold = func() map[string]string {
	m := make(map[string]string, len(All))
	for _, c := range All {
		m[strings.ToLower(c)] = c
	}
	return m
}()

// Canonical resolves s to its canonical spelling, or returns
// ErrUnknownCategory.
func Canonical(s string) (string, error) {
	c, ok := byFold[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", ErrUnknownCategory
	}
	return c, nil
}

// IsCanonical reports whether s names a category, under the same
// case-insensitive matching Canonical uses.
func IsCanonical(s string) bool {
	_, err := Canonical(s)
	return err == nil
}
