package models

import (
	"context"
	"sort"
	"time"
)

// Eligibility thresholds. Days are calendar days.
const (
	eligibilityRiskThreshold    = 70
	newHireTenureDays           = 90
	overOneYearDays             = 365
	priorityRenewalWindowDays   = 180
	priorityRiskMediumThreshold = 40
)

// EligibleEmployee is one line of the eligibility calculator's output.
type EligibleEmployee struct {
	Employee                *Employee
	Reason                  InclusionReason
	RiskIndex               int
	DaysSinceLastEvaluation int
	Priority                EvaluationPriority
}

// ComputeEligibility decides who must be surveyed this round. Pure and
// deterministic over its inputs: the lifecycle manager calls it again for
// diagnostics and must get the same answer.
//
// Inclusion reason, most severe first:
//   - OverdueIndex: risk index at or above the critical threshold
//   - OverOneYear: more than a year since the last evaluation (an employee
//     past the new-hire window who was never evaluated counts here, with
//     tenure standing in for days since evaluation)
//   - NewHire: inside the first 90 days, never evaluated
//   - RegularRenewal: everyone else still due a routine round
//
// Output order: priority rank, then reason severity, then employee id.
func ComputeEligibility(employees []*Employee, now time.Time) []EligibleEmployee {

	eligible := make([]EligibleEmployee, 0, len(employees))
	for _, emp := range employees {
		if emp.IsActive == nil || !*emp.IsActive {
			continue
		}

		tenureDays := daysBetween(emp.HiredAt, now)
		daysSince := tenureDays
		if emp.LastEvaluatedAt != nil {
			daysSince = daysBetween(*emp.LastEvaluatedAt, now)
		}

		var reason InclusionReason
		switch {
		case emp.RiskIndex >= eligibilityRiskThreshold:
			reason = InclusionReasonOverdueIndex
		case daysSince > overOneYearDays:
			reason = InclusionReasonOverOneYear
		case emp.LastEvaluatedAt == nil && tenureDays < newHireTenureDays:
			reason = InclusionReasonNewHire
		default:
			reason = InclusionReasonRegularRenewal
		}

		eligible = append(eligible, EligibleEmployee{
			Employee:                emp,
			Reason:                  reason,
			RiskIndex:               emp.RiskIndex,
			DaysSinceLastEvaluation: daysSince,
			Priority:                derivePriority(emp.RiskIndex, daysSince),
		})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority.rank() > eligible[j].Priority.rank()
		}
		if eligible[i].Reason != eligible[j].Reason {
			return eligible[i].Reason.severity() > eligible[j].Reason.severity()
		}
		return eligible[i].Employee.ID < eligible[j].Employee.ID
	})

	return eligible
}

func derivePriority(riskIndex int, daysSince int) EvaluationPriority {
	switch {
	case riskIndex >= eligibilityRiskThreshold:
		return PriorityCritical
	case daysSince > overOneYearDays:
		return PriorityHigh
	case riskIndex >= priorityRiskMediumThreshold || daysSince > priorityRenewalWindowDays:
		return PriorityMedium
	default:
		return PriorityNormal
	}
}

func daysBetween(from time.Time, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

// EligibleEmployeesForRound is the DB-backed wrapper: it fetches the active
// cohort for the batch type and delegates to the pure calculator.
func EligibleEmployeesForRound(ctx context.Context, companyId string, batchType BatchType, now time.Time) ([]EligibleEmployee, error) {

	employees, err := ActiveEmployees(ctx, companyId, batchType)
	if err != nil {
		return nil, err
	}
	return ComputeEligibility(employees, now), nil
}
