package budget

import (
	"context"

	"github.com/atp-platform/routing-core/pkg/selection"
)

// Gate adapts Manager to the selection.BudgetGate interface the Selection
// Engine depends on, keeping that package free of a direct dependency on
// the budget package's richer Decision/Enforcement vocabulary.
type Gate struct {
	manager *Manager
}

func NewGate(m *Manager) *Gate { return &Gate{manager: m} }

func (g *Gate) CheckRequestAllowed(ctx context.Context, tenant, project string, projectedCostUSD float64) (selection.BudgetDecision, error) {
	d, err := g.manager.CheckRequestAllowed(ctx, tenant, project, projectedCostUSD)
	if err != nil {
		return selection.BudgetDecision{}, err
	}
	return selection.BudgetDecision{
		Blocked:        !d.Allowed,
		ThrottleFactor: d.ThrottleFactor,
		Reasons:        d.Reasons,
	}, nil
}
