package templates

import (
	"github.com/shopspring/decimal"

	"recurring-payments-engine/internal/models"
)

// FuzzyOutcome classifies the result of a fuzzy-match query.
type FuzzyOutcome string

const (
	// OutcomeExactMatch means the full fingerprint hit an existing
	// template; no heuristics were needed.
	OutcomeExactMatch FuzzyOutcome = "exact_match"
	// OutcomeAutoMatch means one vendor-only template's range is close
	// enough to bind without a user prompt.
	OutcomeAutoMatch FuzzyOutcome = "auto_match"
	// OutcomeNeedsConfirmation means one or more templates are plausible
	// but too far off to bind silently; the user decides.
	OutcomeNeedsConfirmation FuzzyOutcome = "needs_confirmation"
	// OutcomeNoExistingTemplates means no template shares this vendor
	// identity at all.
	OutcomeNoExistingTemplates FuzzyOutcome = "no_existing_templates"
	// OutcomeAutoCreateNew means vendor-only templates exist but every
	// deviation exceeds the confirmation band: treat as a different
	// obligation and create a new template.
	OutcomeAutoCreateNew FuzzyOutcome = "auto_create_new"
)

// FuzzyCandidate is one template considered by the fuzzy match, with its
// percent deviation from the queried amount.
type FuzzyCandidate struct {
	Template         *models.Template
	DeviationPercent float64
}

// FuzzyMatchResult is the outcome of CheckForFuzzyMatch. Template is set
// for exact and auto matches; Candidates is populated, sorted by
// closeness, for needs-confirmation outcomes.
type FuzzyMatchResult struct {
	Outcome    FuzzyOutcome
	Template   *models.Template
	Candidates []FuzzyCandidate
}

// CheckForFuzzyMatch disambiguates "same recurring obligation, amount
// drifted" from "different obligation, same vendor".
//
// Outcome precedence is load-bearing: an exact fingerprint hit
// short-circuits everything; any template in the auto-match band wins over
// needs-confirmation candidates; confirmation candidates win over creating
// a new template. An auto-match is never suppressed by the presence of
// lower-confidence candidates, and vice versa.
func (s *Service) CheckForFuzzyMatch(vendorName, taxID string, amount decimal.Decimal) (*FuzzyMatchResult, error) {
	fp := s.engine.Fingerprint(vendorName, taxID, &amount)

	exact, err := s.store.Templates().ByFingerprint(fp.Digest)
	if err != nil {
		return nil, err
	}
	if exact != nil {
		return &FuzzyMatchResult{Outcome: OutcomeExactMatch, Template: exact}, nil
	}

	related, err := s.store.Templates().ByVendorOnlyFingerprint(fp.VendorOnlyDigest)
	if err != nil {
		return nil, err
	}
	if len(related) == 0 {
		return &FuzzyMatchResult{Outcome: OutcomeNoExistingTemplates}, nil
	}

	var auto, confirm []FuzzyCandidate
	for _, t := range related {
		if !t.Active {
			continue
		}
		deviation := DeviationPercent(amount, t.AmountMin, t.AmountMax)
		switch {
		case deviation <= s.config.AutoMatchMaxDeviationPercent:
			auto = append(auto, FuzzyCandidate{Template: t, DeviationPercent: deviation})
		case deviation <= s.config.ConfirmMaxDeviationPercent:
			confirm = append(confirm, FuzzyCandidate{Template: t, DeviationPercent: deviation})
		}
	}

	if len(auto) > 0 {
		sortCandidatesByCloseness(auto)
		return &FuzzyMatchResult{Outcome: OutcomeAutoMatch, Template: auto[0].Template}, nil
	}
	if len(confirm) > 0 {
		sortCandidatesByCloseness(confirm)
		return &FuzzyMatchResult{Outcome: OutcomeNeedsConfirmation, Candidates: confirm}, nil
	}
	return &FuzzyMatchResult{Outcome: OutcomeAutoCreateNew}, nil
}

// DeviationPercent returns how far amount lies outside the learned
// [min, max] range, as a percentage of the violated bound. Amounts inside
// the range deviate by zero.
func DeviationPercent(amount, min, max decimal.Decimal) float64 {
	if amount.GreaterThanOrEqual(min) && amount.LessThanOrEqual(max) {
		return 0
	}
	var distance, bound decimal.Decimal
	if amount.LessThan(min) {
		distance = min.Sub(amount)
		bound = min
	} else {
		distance = amount.Sub(max)
		bound = max
	}
	if bound.IsZero() {
		return 100
	}
	deviation, _ := distance.Div(bound).Mul(decimal.NewFromInt(100)).Abs().Float64()
	return deviation
}
