package engine

import "github.com/avolkov/drafthorse/internal/build"

// Decision is what the Auto-Fix Controller does with a classified failure.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
	DecisionFail     Decision = "fail"
)

// retryableKinds are the failure kinds eligible for automatic retry.
// security_violation is deliberately absent: it always escalates, and
// unknown failures are not retried because repeating an unclassified
// failure has no expected-fix mechanism.
var retryableKinds = map[build.ErrorKind]bool{
	build.KindLintError:      true,
	build.KindTransientError: true,
	build.KindTestFailure:    true,
}

// AutoFix decides retry/escalate/fail for classified node failures within
// the per-node and build-wide attempt budgets.
type AutoFix struct {
	MaxPerStepAttempts int
	MaxTotalAttempts   int
	OnBudgetExceeded   string // BudgetEscalate or BudgetFail
}

func newAutoFix(cfg Config) AutoFix {
	return AutoFix{
		MaxPerStepAttempts: cfg.MaxPerStepAttempts,
		MaxTotalAttempts:   cfg.MaxTotalAttempts,
		OnBudgetExceeded:   cfg.OnBudgetExceeded,
	}
}

// Decide takes the classified kind and the attempt counters as recorded
// after the failing attempt. Policy:
//   - security_violation escalates on first occurrence, whatever budget remains
//   - exhausting either budget flips retry into escalate-or-fail per config
//   - lint_error, transient_error and test_failure retry inside the budget
//   - unknown failures go straight to the budget-exceeded policy
func (a AutoFix) Decide(kind build.ErrorKind, nodeAttempts, totalAttempts int) Decision {
	if kind == build.KindSecurityViolation {
		return DecisionEscalate
	}
	if nodeAttempts >= a.MaxPerStepAttempts || totalAttempts >= a.MaxTotalAttempts {
		return a.budgetExceeded()
	}
	if retryableKinds[kind] {
		return DecisionRetry
	}
	return a.budgetExceeded()
}

func (a AutoFix) budgetExceeded() Decision {
	if a.OnBudgetExceeded == BudgetFail {
		return DecisionFail
	}
	return DecisionEscalate
}
