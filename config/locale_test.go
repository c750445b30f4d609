// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"golang.org/x/text/language"
)

func TestNegotiateLocale(t *testing.T) {
	tests := []struct {
		name      string
		preferred []string
		want      language.Tag
	}{
		{
			name:      "exact match",
			preferred: []string{"de-DE"},
			want:      language.MustParse("de-DE"),
		},
		{
			name:      "regional variant falls back to base match",
			preferred: []string{"de-AT"},
			want:      language.MustParse("de-DE"),
		},
		{
			name:      "first preference wins",
			preferred: []string{"nl-NL", "de-DE"},
			want:      language.MustParse("nl-NL"),
		},
		{
			name:      "unavailable language falls back to default",
			preferred: []string{"fr-FR"},
			want:      language.AmericanEnglish,
		},
		{
			name:      "empty chain yields default",
			preferred: nil,
			want:      language.AmericanEnglish,
		},
		{
			name:      "unparseable entries are skipped",
			preferred: []string{"!!!", "tok"},
			want:      language.MustParse("tok"),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := NegotiateLocale(test.preferred)
			if got != test.want {
				t.Errorf("NegotiateLocale(%v) = %v, want %v", test.preferred, got, test.want)
			}
		})
	}
}

func TestNegotiateLocaleDeterministic(t *testing.T) {
	chain := []string{"nl", "de-DE", "en"}
	first := NegotiateLocale(chain)
	for i := 0; i < 100; i++ {
		if got := NegotiateLocale(chain); got != first {
			t.Fatalf("negotiation not deterministic: %v then %v", first, got)
		}
	}
}

func TestNegotiateLocaleReturnsShippedTag(t *testing.T) {
	// The result must be exactly one of the available bundle tags, never
	// a synthesized tag carrying pieces of the request.
	got := NegotiateLocale([]string{"de-DE-u-co-phonebk"})
	found := false
	for _, available := range availableLocales {
		if got == available {
			found = true
		}
	}
	if !found {
		t.Errorf("NegotiateLocale returned %v, not a shipped bundle tag", got)
	}
}
