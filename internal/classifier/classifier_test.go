package classifier

import (
	"testing"

	"recurring-payments-engine/internal/fingerprint"
)

func TestClassify(t *testing.T) {
	c := New(fingerprint.NewEngine(nil))

	tests := []struct {
		vendor   string
		expected string
	}{
		{"Orange Polska S.A.", CategoryTelecom},
		{"PGE Obrót S.A.", CategoryUtilities},
		{"PZU S.A.", CategoryInsurance},
		{"Netflix International B.V.", CategorySubscriptions},
		{"mBank S.A. Kredyt Hipoteczny", CategoryFinance},
		{"Wspólnota Mieszkaniowa Kwiatowa 5", CategoryRent},
		{"LUX MED Sp. z o.o.", CategoryHealthcare},
		{"Some Unknown Shop", CategoryUnknown},
		{"", CategoryUnknown},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.vendor); got != tt.expected {
			t.Errorf("Classify(%q) = %q, want %q", tt.vendor, got, tt.expected)
		}
	}
}

func TestClassifyMatchesGluedSpellings(t *testing.T) {
	c := New(fingerprint.NewEngine(nil))
	// "LUX MED" only matches once the spaces are collapsed.
	if got := c.Classify("LUX MED"); got != CategoryHealthcare {
		t.Errorf("Classify(LUX MED) = %q, want healthcare", got)
	}
}
