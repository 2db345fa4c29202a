// Package admission implements the small set of pre-dispatch policies
// consumed from the HTTP control plane and the queue dispatcher:
// allowed-model list, content moderation, prompt-injection heuristics,
// and usage cap (spec.md §6.2, §4.8 step 2).
package admission

import (
	"strings"

	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/unit"
	"github.com/batchlm/engine/internal/batch/usage"
	"github.com/batchlm/engine/internal/platform/apierr"
	"github.com/batchlm/engine/internal/platform/dbctx"
)

// Reason codes surfaced alongside a deny decision (spec.md §6.2).
const (
	ReasonDisallowedModel    = "disallowed_model"
	ReasonModerationTriggered = "content_moderation_triggered"
	ReasonOverBudget         = "over_budget"
	ReasonOversizedJob       = "oversized_job"
)

// Policy is the process-wide admission configuration, read-only after
// startup (spec.md §5 "Global pricing and admission configuration are
// read-only after startup").
type Policy struct {
	AllowedModels     map[string]struct{}
	ModerationEnabled bool
	BudgetEnforcement bool
	MaxJobUnits       int
	MonthlyCapUSD     float64
	Prices            lm.PriceTable
}

// Checker is the pure admission function described in spec.md §6.2,
// parameterized by the injected ledger it consults for budget checks.
type Checker struct {
	policy Policy
	ledger usage.Ledger
}

func New(policy Policy, ledger usage.Ledger) *Checker {
	return &Checker{policy: policy, ledger: ledger}
}

// moderationPatterns is a heuristic substring scan, mirroring the
// render package's injection-pattern defense-in-depth posture: it
// catches common attempts to route the LM into generating disallowed
// content via the template itself, not a hosted moderation endpoint
// (spec.md §4.2's redaction scan is the sibling of this check).
var moderationPatterns = []string{
	"ignore all previous instructions and",
	"bypass your safety",
	"disable content filtering",
}

// Admit evaluates owner/model/template/size against the policy and
// returns an *apierr.Error naming the first violated reason, or nil
// if the job may be enqueued (spec.md §6.1 "admit(owner, model,
// template, params) -> allow | deny(reason)").
func (c *Checker) Admit(dbc dbctx.Context, owner, model string, template unit.Template, estUnits int) *apierr.Error {
	if len(c.policy.AllowedModels) > 0 {
		if _, ok := c.policy.AllowedModels[model]; !ok {
			return apierr.New(403, ReasonDisallowedModel, nil)
		}
	}

	if c.policy.ModerationEnabled && moderationTriggered(string(template)) {
		return apierr.New(403, ReasonModerationTriggered, nil)
	}

	if c.policy.MaxJobUnits > 0 && estUnits > c.policy.MaxJobUnits {
		return apierr.New(413, ReasonOversizedJob, nil)
	}

	if c.policy.BudgetEnforcement && c.ledger != nil {
		ok, err := c.ledger.WithinBudget(dbc, owner, model, estUnits, c.policy.Prices, c.policy.MonthlyCapUSD)
		if err != nil {
			return apierr.New(500, "budget_check_failed", err)
		}
		if !ok {
			return apierr.New(402, ReasonOverBudget, nil)
		}
	}

	return nil
}

func moderationTriggered(template string) bool {
	lower := strings.ToLower(template)
	for _, p := range moderationPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
