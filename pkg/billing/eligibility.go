package billing

import "time"

// Signup steps a member may still have to complete.
const (
	StepInduction     = "induction"
	StepAccessCard    = "accessCard"
	StepPaymentMethod = "paymentMethod"
)

// EligibilityRules selects which signup requirements apply.
type EligibilityRules struct {
	RequireInduction bool
	// InductionValidFor is how long a completed induction counts. Zero means forever.
	InductionValidFor    time.Duration
	RequireAccessCard    bool
	RequirePaymentMethod bool
}

// Eligibility is the result of a signup check.
type Eligibility struct {
	Success       bool     `json:"success"`
	RequiredSteps []string `json:"requiredSteps"`
}

// EligibilityEvaluator computes unmet signup requirements. It never mutates
// the member and is safe for concurrent use.
type EligibilityEvaluator struct {
	rules EligibilityRules
	now   func() time.Time
}

// NewEligibilityEvaluator creates an evaluator for the given rules.
func NewEligibilityEvaluator(rules EligibilityRules) *EligibilityEvaluator {
	return &EligibilityEvaluator{rules: rules, now: time.Now}
}

// CanSignup returns the steps the member still has to complete.
func (e *EligibilityEvaluator) CanSignup(m *Member) Eligibility {
	steps := []string{}

	if e.rules.RequireInduction && !e.inducted(m) {
		steps = append(steps, StepInduction)
	}
	if e.rules.RequireAccessCard && m.AccessCard == "" {
		steps = append(steps, StepAccessCard)
	}
	if e.rules.RequirePaymentMethod && m.PaymentMethodID == "" {
		steps = append(steps, StepPaymentMethod)
	}

	return Eligibility{Success: len(steps) == 0, RequiredSteps: steps}
}

func (e *EligibilityEvaluator) inducted(m *Member) bool {
	if m.LastInductionDate == nil {
		return false
	}
	if e.rules.InductionValidFor == 0 {
		return true
	}
	return e.now().Sub(*m.LastInductionDate) <= e.rules.InductionValidFor
}
