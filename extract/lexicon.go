package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/st7ma784/debtgraph/graph"
)

// ---------------------------------------------------------------------------
// Regex patterns for typed value mentions. These fire regardless of graph
// type; the lexicons below are biased by the MANUAL/CLIENT hint.
// ---------------------------------------------------------------------------
var (
	// Money amounts: £50,000 / £1,234.56 / 45000 pounds / GBP 20,000
	reMoney = regexp.MustCompile(`(?i)(?:£|GBP\s?)\s?\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\b\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?\s?(?:pounds?)\b`)
	// Percentages: 8%, 17.5 %
	rePercent = regexp.MustCompile(`\b\d{1,3}(?:\.\d+)?\s?%`)
	// Dates: 6 April 2024, April 2024, 2024-04-06, 06/04/2024
	reDate = regexp.MustCompile(`(?i)\b(?:\d{1,2}\s+)?(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{4}\b|\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{4}\b`)
	// Durations: 12 months, 6 years, 21 days
	reDuration = regexp.MustCompile(`(?i)\b\d+\s+(?:years?|months?|weeks?|days?)\b`)
	// Threshold phrasing around a money amount, e.g. "no more than £50,000".
	reThresholdMax = regexp.MustCompile(`(?i)\b(?:no more than|not exceed(?:ing)?|less than|below|under|at most|up to|a maximum of|capped at)\s+(£|GBP\s?)?\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?)`)
	reThresholdMin = regexp.MustCompile(`(?i)\b(?:at least|more than|over|above|exceed(?:ing)?|a minimum of|no less than)\s+(£|GBP\s?)?\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?)`)
	// Connective slack between an attribute and the threshold bounding it,
	// e.g. "total debt OF no more than £50,000".
	reSubjectGlue = regexp.MustCompile(`(?i)^\s*(?:of|is|are|must be|should be)?\s*$`)
	// Rule mentions: "DRO eligibility", "eligible for a debt relief order",
	// "qualifies for bankruptcy".
	reEligibility = regexp.MustCompile(`(?i)\b([\w][\w -]{1,40}?)\s+eligibility\b`)
	reEligibleFor = regexp.MustCompile(`(?i)\b(?:eligible|qualif(?:y|ies)|may apply)\s+for\s+(?:an?\s+)?([\w][\w -]{1,40}?)(?:[.,;:]|\s+(?:if|when|unless|provided)\b|$)`)
	// Stripped when slugging entity ids.
	reNonSlug = regexp.MustCompile(`[^a-z0-9]+`)
)

// lexiconEntry maps a literal phrase to an entity type with a base confidence.
type lexiconEntry struct {
	phrase     string
	entityType string
	confidence float64
}

// phraseLexicon is the shared vocabulary of debt-advice phrases. Longer
// phrases are matched before their substrings (see matchLexicon).
var phraseLexicon = []lexiconEntry{
	// Solutions and legal statuses.
	{"debt relief order", graph.EntityLegalStatus, 0.95},
	{"dro", graph.EntityLegalStatus, 0.85},
	{"individual voluntary arrangement", graph.EntityLegalStatus, 0.95},
	{"iva", graph.EntityLegalStatus, 0.85},
	{"bankruptcy", graph.EntityLegalStatus, 0.9},
	{"bankrupt", graph.EntityLegalStatus, 0.8},
	{"breathing space", graph.EntityLegalStatus, 0.9},
	{"moratorium", graph.EntityLegalStatus, 0.85},
	{"insolvent", graph.EntityLegalStatus, 0.8},
	{"debt management plan", graph.EntityLegalStatus, 0.9},
	{"administration order", graph.EntityLegalStatus, 0.85},

	// Debt types.
	{"council tax arrears", graph.EntityDebtType, 0.95},
	{"rent arrears", graph.EntityDebtType, 0.95},
	{"mortgage arrears", graph.EntityDebtType, 0.95},
	{"credit card debt", graph.EntityDebtType, 0.9},
	{"overdraft", graph.EntityDebtType, 0.8},
	{"personal loan", graph.EntityDebtType, 0.8},
	{"hire purchase", graph.EntityDebtType, 0.85},
	{"payday loan", graph.EntityDebtType, 0.85},
	{"qualifying debt", graph.EntityDebtType, 0.85},
	{"priority debt", graph.EntityDebtType, 0.9},
	{"non-priority debt", graph.EntityDebtType, 0.9},
	{"utility arrears", graph.EntityDebtType, 0.9},
	{"fuel debt", graph.EntityDebtType, 0.8},

	// Creditors.
	{"hmrc", graph.EntityCreditor, 0.9},
	{"dwp", graph.EntityCreditor, 0.9},
	{"local authority", graph.EntityCreditor, 0.85},
	{"landlord", graph.EntityCreditor, 0.8},
	{"building society", graph.EntityCreditor, 0.8},
	{"credit union", graph.EntityCreditor, 0.8},
	{"utility supplier", graph.EntityCreditor, 0.8},
	{"water company", graph.EntityCreditor, 0.8},
	{"energy supplier", graph.EntityCreditor, 0.8},

	// Client attributes.
	{"disposable income", graph.EntityClientAttr, 0.9},
	{"surplus income", graph.EntityClientAttr, 0.85},
	{"household income", graph.EntityClientAttr, 0.85},
	{"total debt", graph.EntityClientAttr, 0.85},
	{"homeowner", graph.EntityClientAttr, 0.85},
	{"own your home", graph.EntityClientAttr, 0.75},
	{"vehicle", graph.EntityClientAttr, 0.7},
	{"assets", graph.EntityClientAttr, 0.7},
	{"savings", graph.EntityClientAttr, 0.7},
	{"universal credit", graph.EntityClientAttr, 0.9},
	{"pension", graph.EntityClientAttr, 0.7},
	{"self-employed", graph.EntityClientAttr, 0.85},
	{"unemployed", graph.EntityClientAttr, 0.8},

	// Repayment terms.
	{"monthly repayment", graph.EntityRepaymentTerm, 0.85},
	{"repayment plan", graph.EntityRepaymentTerm, 0.85},
	{"token payment", graph.EntityRepaymentTerm, 0.85},
	{"payment holiday", graph.EntityRepaymentTerm, 0.85},

	// Obligations.
	{"must notify", graph.EntityObligation, 0.8},
	{"duty to disclose", graph.EntityObligation, 0.85},
	{"required to report", graph.EntityObligation, 0.8},
}

// connective maps a phrase occurring between two entity mentions to a
// relation type with a lexical match strength.
type connective struct {
	phrase       string
	relationType string
	strength     float64
}

// connectives is ordered longest-first so more specific phrases win.
var connectives = []connective{
	{"is also known as", graph.RelSynonymous, 0.9},
	{"affects repayment of", graph.RelAffectsRepayment, 0.9},
	{"affects repayment", graph.RelAffectsRepayment, 0.85},
	{"is applicable to", graph.RelApplicableTo, 0.9},
	{"applies to", graph.RelApplicableTo, 0.85},
	{"applies only to", graph.RelApplicableTo, 0.9},
	{"conflicts with", graph.RelContradicts, 0.85},
	{"contradicts", graph.RelContradicts, 0.9},
	{"is a type of", graph.RelIsA, 0.9},
	{"is a kind of", graph.RelIsA, 0.85},
	{"is part of", graph.RelPartOf, 0.9},
	{"part of", graph.RelPartOf, 0.75},
	{"leads to", graph.RelTriggers, 0.85},
	{"results in", graph.RelTriggers, 0.85},
	{"triggers", graph.RelTriggers, 0.9},
	{"must have", graph.RelRequires, 0.85},
	{"must not have", graph.RelBlocks, 0.85},
	{"requires", graph.RelRequires, 0.9},
	{"you need", graph.RelRequires, 0.7},
	{"depends on", graph.RelRequires, 0.8},
	{"prevents", graph.RelBlocks, 0.9},
	{"rules out", graph.RelBlocks, 0.85},
	{"disqualifies", graph.RelBlocks, 0.9},
	{"unless", graph.RelBlocks, 0.7},
	{"is followed by", graph.RelFollows, 0.85},
	{"follows", graph.RelFollows, 0.75},
	{"extends", graph.RelExtends, 0.85},
	{"enables", graph.RelEnables, 0.85},
	{"allows", graph.RelEnables, 0.75},
	{"restricts", graph.RelRestricts, 0.9},
	{"limits", graph.RelRestricts, 0.75},
	{"is gated by", graph.RelHasGate, 0.9},
	{"synonymous with", graph.RelSynonymous, 0.9},
}

// gateCues detect logic-gate phrasing inside a paragraph.
var gateCues = []struct {
	phrase string
	gate   graph.Gate
}{
	{"all of the following", graph.GateAnd},
	{"each of the following", graph.GateAnd},
	{"any of the following", graph.GateOr},
	{"at least one of", graph.GateOr},
	{"one of the following", graph.GateOr},
	{"none of the following", graph.GateNot},
}

// temporal cue patterns attached to relationships found in the same paragraph.
var (
	reEffectiveFrom = regexp.MustCompile(`(?i)\b(?:effective from|from|with effect from|starting)\s+((?:\d{1,2}\s+)?(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{4}|\d{4}-\d{2}-\d{2})`)
	reExpiresOn     = regexp.MustCompile(`(?i)\b(?:until|expires? on|ceases? on|ends? on|valid until)\s+((?:\d{1,2}\s+)?(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{4}|\d{4}-\d{2}-\d{2})`)
	reCondition     = regexp.MustCompile(`(?i)\b(if\s+[^.;]{3,120})`)
)

// slug produces the stable id fragment for an entity: lowercase with runs of
// non-alphanumerics collapsed to single hyphens. Deterministic ids make
// re-extraction of identical input produce identical graphs.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = reNonSlug.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// normalize lowercases and collapses whitespace for dedup keys and matching.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// parseAmount converts "50,000" or "£50,000.00" to a float64.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "£")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "GBP"), " ")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "pounds")
	s = strings.TrimSuffix(s, "pound")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
