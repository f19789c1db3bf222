// Package classifier assigns a coarse spending category to a vendor name by
// keyword lookup. The category is a display hint for templates and reports;
// matching never depends on it.
package classifier

import (
	"strings"

	"recurring-payments-engine/internal/fingerprint"
)

// Category labels. CategoryUnknown means no keyword matched.
const (
	CategoryUtilities     = "utilities"
	CategoryTelecom       = "telecom"
	CategoryInsurance     = "insurance"
	CategoryRent          = "rent"
	CategoryFinance       = "finance"
	CategorySubscriptions = "subscriptions"
	CategoryTransport     = "transport"
	CategoryHealthcare    = "healthcare"
	CategoryUnknown       = ""
)

// keywordCategories maps normalized vendor-name tokens to categories. First
// match in token order wins; the table is checked token by token so "pgnig
// obrot detaliczny" hits on "pgnig".
var keywordCategories = map[string]string{
	// Utilities.
	"energa": CategoryUtilities, "tauron": CategoryUtilities,
	"enea": CategoryUtilities, "pgnig": CategoryUtilities,
	"pge": CategoryUtilities, "fortum": CategoryUtilities,
	"veolia": CategoryUtilities, "energia": CategoryUtilities,
	"gaz": CategoryUtilities, "wodociagi": CategoryUtilities,
	"electric": CategoryUtilities, "energy": CategoryUtilities,
	"water": CategoryUtilities,

	// Telecom.
	"orange": CategoryTelecom, "play": CategoryTelecom,
	"plus": CategoryTelecom, "tmobile": CategoryTelecom,
	"vectra": CategoryTelecom, "upc": CategoryTelecom,
	"netia": CategoryTelecom, "telekom": CategoryTelecom,
	"mobile": CategoryTelecom, "internet": CategoryTelecom,

	// Insurance.
	"pzu": CategoryInsurance, "warta": CategoryInsurance,
	"allianz": CategoryInsurance, "generali": CategoryInsurance,
	"ergo": CategoryInsurance, "uniqa": CategoryInsurance,
	"ubezpieczenia": CategoryInsurance, "insurance": CategoryInsurance,

	// Rent and housing.
	"wspolnota": CategoryRent, "spoldzielnia": CategoryRent,
	"mieszkaniowa": CategoryRent, "czynsz": CategoryRent,
	"rent": CategoryRent, "najem": CategoryRent,

	// Finance.
	"bank": CategoryFinance, "pko": CategoryFinance,
	"mbank": CategoryFinance, "santander": CategoryFinance,
	"pekao": CategoryFinance, "millennium": CategoryFinance,
	"kredyt": CategoryFinance, "pozyczka": CategoryFinance,
	"leasing": CategoryFinance, "loan": CategoryFinance,

	// Subscriptions.
	"netflix": CategorySubscriptions, "spotify": CategorySubscriptions,
	"hbo": CategorySubscriptions, "disney": CategorySubscriptions,
	"youtube": CategorySubscriptions, "apple": CategorySubscriptions,
	"google": CategorySubscriptions, "microsoft": CategorySubscriptions,
	"adobe": CategorySubscriptions, "prenumerata": CategorySubscriptions,

	// Transport.
	"mpk": CategoryTransport, "ztm": CategoryTransport,
	"pkp": CategoryTransport, "parking": CategoryTransport,

	// Healthcare.
	"luxmed": CategoryHealthcare, "medicover": CategoryHealthcare,
	"enelmed": CategoryHealthcare, "przychodnia": CategoryHealthcare,
	"dental": CategoryHealthcare,
}

// Classifier suggests categories from vendor names.
type Classifier struct {
	engine *fingerprint.Engine
}

// New creates a Classifier using the engine's name normalization, so keyword
// lookup sees the same token stream the fingerprints are built from.
func New(engine *fingerprint.Engine) *Classifier {
	return &Classifier{engine: engine}
}

// Classify returns the category suggested by the vendor name, or
// CategoryUnknown when no keyword matches. The result is advisory.
func (c *Classifier) Classify(vendorName string) string {
	normalized := c.engine.NormalizeVendorName(vendorName)
	for _, token := range strings.Fields(normalized) {
		if category, ok := keywordCategories[token]; ok {
			return category
		}
	}
	// Glued spellings like "t-mobile" normalize to separate tokens, but
	// "T Mobile" collapses differently per locale; check the loose key too.
	loose := strings.ReplaceAll(normalized, " ", "")
	if category, ok := keywordCategories[loose]; ok {
		return category
	}
	return CategoryUnknown
}
