package deals

// HasUnseenChanges reports whether principalID still has to review changes:
// the deal is in an audited stage and some entry lacks their acknowledgment.
func HasUnseenChanges(deal Deal, principalID string) bool {
	if !deal.Stage.Audited() {
		return false
	}
	for _, e := range deal.ChangeLog {
		if !e.AcknowledgedByPrincipal(principalID) {
			return true
		}
	}
	return false
}

// Acknowledge returns a copy of deal with principalID added to every entry
// that lacks it. Applying it again changes nothing.
func Acknowledge(deal Deal, principalID string) Deal {
	out := deal.Clone()
	if principalID == "" {
		return out
	}
	for i := range out.ChangeLog {
		if !out.ChangeLog[i].AcknowledgedByPrincipal(principalID) {
			out.ChangeLog[i].AcknowledgedBy = append(out.ChangeLog[i].AcknowledgedBy, principalID)
		}
	}
	return out
}
