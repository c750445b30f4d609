// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package config

import "golang.org/x/text/language"

// availableLocales are the translation bundles shipped with the
// client. The first entry is the built-in default that negotiation
// falls back to when nothing in the preference chain matches.
var availableLocales = []language.Tag{
	language.AmericanEnglish, // en-US
	language.MustParse("de-DE"),
	language.MustParse("nl-NL"),
	language.MustParse("tok"),
}

var localeMatcher = language.NewMatcher(availableLocales)

// NegotiateLocale resolves the user's preference chain against the
// available translation bundles. The result is always one of the
// shipped bundle tags; unparseable entries in the chain are skipped.
// Negotiation is deterministic: the same chain always yields the same
// bundle.
func NegotiateLocale(preferred []string) language.Tag {
	chain := make([]language.Tag, 0, len(preferred))
	for _, raw := range preferred {
		tag, err := language.Parse(raw)
		if err != nil {
			continue
		}
		chain = append(chain, tag)
	}

	// Match can return a synthesized tag with extensions carried over
	// from the request; index into the available list instead so the
	// result is exactly a shipped bundle tag.
	_, index, _ := localeMatcher.Match(chain...)
	return availableLocales[index]
}

// NegotiatedLocale returns the translation bundle selected by this
// snapshot's preference chain.
func (s *Snapshot) NegotiatedLocale() language.Tag {
	return NegotiateLocale(s.Locale.Preferred)
}
