// budget.go — Monthly render-budget gating.
// Two caps apply to every render: the tenant's monthly cap and a global cap
// across all tenants. The scheduler reads the counters through the
// repository before granting a render; the driver increments them after one
// completes. Denial is an outcome, never an error.
package schedule

import (
	"fmt"

	"github.com/forecourt/oemwatch/internal/types"
)

// BudgetVerdict is the answer to "may this tenant render right now".
type BudgetVerdict struct {
	Allowed bool
	Warning string // non-empty once usage crosses the warn watermark
	Reason  string // denial reason when !Allowed
}

// CheckRenderBudget gates one render against the monthly caps. A tenant-level
// budget override of zero means the configured default cap. Crossing the
// warn ratio (default 0.8) still permits the render but attaches a warning
// for observability.
func (s *Scheduler) CheckRenderBudget(tenant types.Tenant, counts types.RenderCounts) BudgetVerdict {
	tenantCap := s.cfg.TenantMonthlyRenderCap
	if tenant.MonthlyRenderBudget > 0 {
		tenantCap = tenant.MonthlyRenderBudget
	}
	globalCap := s.cfg.GlobalMonthlyRenderCap

	if counts.Tenant >= tenantCap {
		return BudgetVerdict{
			Reason: fmt.Sprintf("tenant render budget exhausted (%d/%d this month)", counts.Tenant, tenantCap),
		}
	}
	if counts.Global >= globalCap {
		return BudgetVerdict{
			Reason: fmt.Sprintf("global render budget exhausted (%d/%d this month)", counts.Global, globalCap),
		}
	}

	v := BudgetVerdict{Allowed: true}
	warnAt := func(used, cap int) bool {
		return float64(used) >= s.cfg.BudgetWarnRatio*float64(cap)
	}
	switch {
	case warnAt(counts.Tenant, tenantCap):
		v.Warning = fmt.Sprintf("tenant render budget at %d/%d", counts.Tenant, tenantCap)
	case warnAt(counts.Global, globalCap):
		v.Warning = fmt.Sprintf("global render budget at %d/%d", counts.Global, globalCap)
	}
	return v
}
