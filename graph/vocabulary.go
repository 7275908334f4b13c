package graph

import "strings"

// GraphType distinguishes the two kinds of graph the engine stores.
type GraphType string

const (
	// GraphManual is a rules graph extracted from an advice manual.
	GraphManual GraphType = "MANUAL"
	// GraphClient is a facts graph extracted from a client's documents.
	GraphClient GraphType = "CLIENT"
)

// ParseGraphType normalises and validates a graph type string.
func ParseGraphType(s string) (GraphType, error) {
	switch GraphType(strings.ToUpper(strings.TrimSpace(s))) {
	case GraphManual:
		return GraphManual, nil
	case GraphClient:
		return GraphClient, nil
	default:
		return "", &ValidationError{Field: "graph_type", Value: s, Reason: "unknown graph type"}
	}
}

// Entity type constants. This is the single closed vocabulary used for both
// manual and client graphs; the graph type biases extraction heuristics, not
// the enum. Values are lowercase and case-stable in storage and on the wire.
const (
	EntityDebtType       = "debt_type"
	EntityObligation     = "obligation"
	EntityRule           = "rule"
	EntityGate           = "gate"
	EntityMoneyThreshold = "money_threshold"
	EntityCreditor       = "creditor"
	EntityRepaymentTerm  = "repayment_term"
	EntityLegalStatus    = "legal_status"
	EntityClientAttr     = "client_attribute"
	EntityPerson         = "person"
	EntityOrg            = "organization"
	EntityDate           = "date"
	EntityMoney          = "money"
	EntityPercent        = "percent"
	EntityLocation       = "location"
	EntityDuration       = "duration"
)

// Relation type constants. Directed: source → target.
const (
	RelIsA              = "is_a"
	RelPartOf           = "part_of"
	RelSynonymous       = "synonymous"
	RelTriggers         = "triggers"
	RelRequires         = "requires"
	RelBlocks           = "blocks"
	RelFollows          = "follows"
	RelAffectsRepayment = "affects_repayment"
	RelHasGate          = "has_gate"
	RelContradicts      = "contradicts"
	RelExtends          = "extends"
	RelApplicableTo     = "applicable_to"
	RelEnables          = "enables"
	RelRestricts        = "restricts"
)

var entityTypes = map[string]bool{
	EntityDebtType:       true,
	EntityObligation:     true,
	EntityRule:           true,
	EntityGate:           true,
	EntityMoneyThreshold: true,
	EntityCreditor:       true,
	EntityRepaymentTerm:  true,
	EntityLegalStatus:    true,
	EntityClientAttr:     true,
	EntityPerson:         true,
	EntityOrg:            true,
	EntityDate:           true,
	EntityMoney:          true,
	EntityPercent:        true,
	EntityLocation:       true,
	EntityDuration:       true,
}

var relationTypes = map[string]bool{
	RelIsA:              true,
	RelPartOf:           true,
	RelSynonymous:       true,
	RelTriggers:         true,
	RelRequires:         true,
	RelBlocks:           true,
	RelFollows:          true,
	RelAffectsRepayment: true,
	RelHasGate:          true,
	RelContradicts:      true,
	RelExtends:          true,
	RelApplicableTo:     true,
	RelEnables:          true,
	RelRestricts:        true,
}

// ValidEntityType reports whether t is part of the closed entity vocabulary.
func ValidEntityType(t string) bool {
	return entityTypes[t]
}

// ValidRelationType reports whether t is part of the closed relation vocabulary.
func ValidRelationType(t string) bool {
	return relationTypes[t]
}

// NormalizeType lowercases and trims a vocabulary value.
func NormalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// requirementTypes are the entity types that can act as a rule's requirement
// when linked to it by a requirement-carrying relation.
var requirementTypes = map[string]bool{
	EntityClientAttr:     true,
	EntityMoneyThreshold: true,
	EntityObligation:     true,
	EntityDebtType:       true,
	EntityLegalStatus:    true,
	EntityRepaymentTerm:  true,
}

// RequirementType reports whether entities of type t can act as rule
// requirements during comparison.
func RequirementType(t string) bool {
	return requirementTypes[t]
}
