package hydro

// Summarize counts outcomes by kind into the summary.
func Summarize(summary *CycleSummary, outcomes []Outcome) {
	summary.Outcomes = outcomes
	summary.Relayed, summary.Skipped, summary.Failed = 0, 0, 0

	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeRelayed:
			summary.Relayed++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
		}
	}
}

// ByKind groups outcomes, keeping their order.
func ByKind(outcomes []Outcome) map[OutcomeKind][]Outcome {
	out := make(map[OutcomeKind][]Outcome, 3)
	for _, o := range outcomes {
		out[o.Kind] = append(out[o.Kind], o)
	}
	return out
}
