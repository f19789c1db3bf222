// Package fingerprint turns free-text vendor identity and monetary amounts
// into short, stable, comparable identity keys.
//
// OCR-sourced vendor names vary in casing, diacritics, and corporate-suffix
// spelling; the tax ID is the strongest available disambiguator but is
// frequently missing. Amount bucketing separates two unrelated recurring
// obligations from the same vendor (a card payment and a loan from the same
// bank) without requiring exact amount equality, since recurring amounts
// drift slightly month to month.
//
// Two digests are produced per input:
//
//   - the vendor-only digest covers normalized name (plus tax ID when
//     available) and groups templates that share vendor identity;
//   - the full digest additionally covers the amount bucket and is the
//     uniqueness key for templates.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ZeroBucket is the label assigned to non-positive amounts.
const ZeroBucket = "bucket_0"

// Config controls normalization and bucketing behavior.
type Config struct {
	// BucketingEnabled controls whether the full digest is narrowed by the
	// amount bucket. When disabled the full digest equals the vendor-only
	// digest.
	BucketingEnabled bool

	// LegalEntityTokens are corporate-form markers dropped from vendor
	// names when they appear as whole tokens.
	LegalEntityTokens map[string]struct{}

	// StopWords are short filler tokens dropped from vendor names.
	StopWords map[string]struct{}
}

// DefaultConfig returns the production normalization configuration.
func DefaultConfig() *Config {
	return &Config{
		BucketingEnabled:  true,
		LegalEntityTokens: tokenSet(defaultLegalEntityTokens),
		StopWords:         tokenSet(defaultStopWords),
	}
}

var defaultLegalEntityTokens = []string{
	// Polish corporate forms.
	"sp", "spolka", "akcyjna", "jawna", "komandytowa", "cywilna",
	"zoo", "sa", "ska", "sc", "sj", "sk",
	// International corporate forms.
	"gmbh", "ag", "ltd", "llc", "inc", "corp", "corporation",
	"limited", "company", "plc", "sarl", "sro", "bv", "nv", "oy",
	"ab", "as", "kft", "doo",
}

var defaultStopWords = []string{
	"i", "z", "o", "oo", "co", "the", "a", "an", "of", "and", "dla", "na",
	// Single letters left behind by dotted corporate forms ("S.A.",
	// "sp. j.", "sp. k.").
	"s", "j", "k",
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Engine computes vendor fingerprints. A single Engine is safe for
// concurrent use; it holds only immutable configuration.
type Engine struct {
	config *Config
}

// NewEngine creates an Engine with the given configuration, falling back to
// defaults when nil.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{config: config}
}

// Result carries the digests computed for one vendor identity.
type Result struct {
	// Digest is the full identity key: vendor identity narrowed by the
	// amount bucket when an amount was supplied. Unique among templates.
	Digest string

	// VendorOnlyDigest covers vendor identity alone and relates templates
	// across amount buckets.
	VendorOnlyDigest string

	// IsFallback is true when no tax ID was available, meaning identity
	// rests on the normalized name alone and downstream consumers should
	// treat the match with lower confidence.
	IsFallback bool

	// Bucket is the amount bucket label, empty when no amount was supplied
	// or bucketing is disabled.
	Bucket string
}

// Fingerprint computes the identity digests for a vendor. taxID and amount
// are optional; pass "" and nil when absent.
func (e *Engine) Fingerprint(vendorName, taxID string, amount *decimal.Decimal) Result {
	name := e.NormalizeVendorName(vendorName)
	digits := NormalizeTaxID(taxID)

	base := name
	if digits != "" {
		base += "|" + digits
	}

	result := Result{
		VendorOnlyDigest: hashKey(base),
		IsFallback:       digits == "",
	}

	if amount != nil && e.config.BucketingEnabled {
		result.Bucket = AmountBucket(*amount)
	}
	result.Digest = e.FingerprintForBucket(result.VendorOnlyDigest, result.Bucket)
	return result
}

// FingerprintForBucket computes the full digest a vendor identity would have
// in the given bucket. The full digest is derived from the vendor-only
// digest, so a stored template can be re-keyed to another bucket without
// access to the original name and tax ID. Used when splitting a template
// across buckets.
func (e *Engine) FingerprintForBucket(vendorOnlyDigest, bucket string) string {
	if bucket == "" || !e.config.BucketingEnabled {
		return vendorOnlyDigest
	}
	return hashKey(vendorOnlyDigest + "|" + bucket)
}

// NormalizeVendorName canonicalizes a free-text vendor name: lowercase,
// accents folded to base Latin letters, legal-entity markers and stop words
// dropped, punctuation stripped, whitespace collapsed. Deterministic and
// idempotent.
func (e *Engine) NormalizeVendorName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	folded := foldDiacritics(lowered)

	// Replace punctuation with spaces so glued forms like "o.o." split
	// into droppable tokens.
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, token := range tokens {
		if _, drop := e.config.LegalEntityTokens[token]; drop {
			continue
		}
		if _, drop := e.config.StopWords[token]; drop {
			continue
		}
		kept = append(kept, token)
	}
	return strings.Join(kept, " ")
}

// LooseKey returns a deliberately coarse grouping key for a vendor name,
// used by the integrity service to spot "same vendor, identity drifted"
// cases. Distinct from the cryptographic digest.
func (e *Engine) LooseKey(name string) string {
	return strings.ReplaceAll(e.NormalizeVendorName(name), " ", "")
}

// NormalizeTaxID strips everything but decimal digits.
func NormalizeTaxID(taxID string) string {
	var b strings.Builder
	b.Grow(len(taxID))
	for _, r := range taxID {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AmountBucket maps a positive amount to a coarse bucket label by rounding
// to a magnitude-dependent granularity: nearest 10 below 100, nearest 50
// below 1000, nearest 100 below 10000, nearest 500 above, with a floor of
// 10. Amounts within roughly half the rounding step collide into the same
// bucket. Non-positive amounts map to ZeroBucket.
func AmountBucket(amount decimal.Decimal) string {
	if !amount.IsPositive() {
		return ZeroBucket
	}

	step := bucketStep(amount)
	rounded := amount.Div(step).Round(0).Mul(step)

	floor := decimal.NewFromInt(10)
	if rounded.LessThan(floor) {
		rounded = floor
	}
	return "bucket_" + rounded.String()
}

// AreInSameBucket reports whether two amounts share a bucket.
func AreInSameBucket(a, b decimal.Decimal) bool {
	return AmountBucket(a) == AmountBucket(b)
}

func bucketStep(amount decimal.Decimal) decimal.Decimal {
	switch {
	case amount.LessThan(decimal.NewFromInt(100)):
		return decimal.NewFromInt(10)
	case amount.LessThan(decimal.NewFromInt(1000)):
		return decimal.NewFromInt(50)
	case amount.LessThan(decimal.NewFromInt(10000)):
		return decimal.NewFromInt(100)
	default:
		return decimal.NewFromInt(500)
	}
}

func hashKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// foldDiacritics folds accented letters to their base Latin form. Combining
// marks are removed after NFD decomposition; letters that do not decompose
// (Polish l-stroke and friends) go through an explicit table.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if mapped, ok := nonDecomposing[r]; ok {
			return mapped
		}
		return r
	}, folded)
}

var nonDecomposing = map[rune]rune{
	'ł': 'l', 'Ł': 'L',
	'ø': 'o', 'Ø': 'O',
	'đ': 'd', 'Đ': 'D',
	'ß': 's',
	'æ': 'a', 'Æ': 'A',
	'œ': 'o', 'Œ': 'O',
}
