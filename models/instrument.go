package models

import "github.com/shopspring/decimal"

// The psychosocial questionnaire is a fixed 37-item instrument grouped in
// seven domains. Items are answered on a 1..5 Likert scale; items phrased
// negatively are reverse-scored before aggregation so that a higher domain
// score always means lower risk.

const (
	InstrumentItemCount = 37
	LikertMin           = 1
	LikertMax           = 5
)

type InstrumentDomain string

const (
	DomainDemands        InstrumentDomain = "Demands"
	DomainControl        InstrumentDomain = "Control"
	DomainManagerSupport InstrumentDomain = "ManagerSupport"
	DomainPeerSupport    InstrumentDomain = "PeerSupport"
	DomainRelationships  InstrumentDomain = "Relationships"
	DomainRole           InstrumentDomain = "Role"
	DomainChange         InstrumentDomain = "Change"
)

type instrumentItem struct {
	Domain   InstrumentDomain
	Reversed bool
}

// instrumentItems maps item number (1-based) to its domain and scoring
// direction. Demands and Relationships items are negatively phrased.
var instrumentItems = map[int]instrumentItem{
	1: {DomainDemands, true}, 2: {DomainDemands, true}, 3: {DomainDemands, true},
	4: {DomainDemands, true}, 5: {DomainDemands, true}, 6: {DomainDemands, true},
	7: {DomainDemands, true},

	8: {DomainControl, false}, 9: {DomainControl, false}, 10: {DomainControl, false},
	11: {DomainControl, false}, 12: {DomainControl, false}, 13: {DomainControl, false},

	14: {DomainManagerSupport, false}, 15: {DomainManagerSupport, false},
	16: {DomainManagerSupport, false}, 17: {DomainManagerSupport, false},
	18: {DomainManagerSupport, false},

	19: {DomainPeerSupport, false}, 20: {DomainPeerSupport, false},
	21: {DomainPeerSupport, false}, 22: {DomainPeerSupport, false},
	23: {DomainPeerSupport, false},

	24: {DomainRelationships, true}, 25: {DomainRelationships, true},
	26: {DomainRelationships, true}, 27: {DomainRelationships, true},
	28: {DomainRelationships, true},

	29: {DomainRole, false}, 30: {DomainRole, false}, 31: {DomainRole, false},
	32: {DomainRole, false}, 33: {DomainRole, false},

	34: {DomainChange, false}, 35: {DomainChange, false},
	36: {DomainChange, false}, 37: {DomainChange, false},
}

// InstrumentDomains lists domains in report order.
var InstrumentDomains = []InstrumentDomain{
	DomainDemands,
	DomainControl,
	DomainManagerSupport,
	DomainPeerSupport,
	DomainRelationships,
	DomainRole,
	DomainChange,
}

func IsValidItemNumber(item int) bool {
	_, ok := instrumentItems[item]
	return ok
}

func IsValidLikertValue(v int) bool {
	return v >= LikertMin && v <= LikertMax
}

// ScoredValue applies reverse scoring where the item requires it.
func ScoredValue(item int, value int) int {
	def, ok := instrumentItems[item]
	if !ok {
		return value
	}
	if def.Reversed {
		return LikertMax + LikertMin - value
	}
	return value
}

func ItemDomain(item int) InstrumentDomain {
	return instrumentItems[item].Domain
}

var (
	thresholdLow      = decimal.NewFromInt(4)
	thresholdModerate = decimal.NewFromInt(3)
	thresholdHigh     = decimal.NewFromInt(2)
)

// RiskLevelForScore classifies a domain mean score. Higher score means
// lower risk.
func RiskLevelForScore(score decimal.Decimal) RiskLevel {
	switch {
	case score.GreaterThanOrEqual(thresholdLow):
		return RiskLevelLow
	case score.GreaterThanOrEqual(thresholdModerate):
		return RiskLevelModerate
	case score.GreaterThanOrEqual(thresholdHigh):
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}
