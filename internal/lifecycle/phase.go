package lifecycle

// Phase is one node in the company-product lifecycle lattice. Phases are
// totally ordered and transitions may only move forward.
type Phase string

const (
	PhaseProspect    Phase = "prospect"
	PhaseInSales     Phase = "in_sales"
	PhaseNegotiation Phase = "negotiation"
	PhaseOnboarding  Phase = "onboarding"
	PhaseLive        Phase = "live"
	PhaseChurned     Phase = "churned"
)

// phaseOrder ranks the lattice. New phases are appended, never reordered.
var phaseOrder = map[Phase]int{
	PhaseProspect:    1,
	PhaseInSales:     2,
	PhaseNegotiation: 3,
	PhaseOnboarding:  4,
	PhaseLive:        5,
	PhaseChurned:     6,
}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// CanTransitionTo reports whether moving from p to next is a strictly
// forward move in the lattice. The nil-phase case (no phase set yet) is
// handled by the caller.
func (p Phase) CanTransitionTo(next Phase) bool {
	from, ok := phaseOrder[p]
	if !ok {
		return false
	}
	to, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return to > from
}
