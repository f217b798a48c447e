package domain

// CampaignStats is derived on demand from contact outcomes.
type CampaignStats struct {
	Total           int
	Pending         int
	Dispatched      int
	Answered        int
	Failed          int
	Skipped         int
	Terminal        int
	CompletionRatio float64
	SuccessRate     float64
}

// Counters maps outcome counts onto the campaign-level aggregate counters.
type Counters struct {
	Queued     int
	InProgress int
	Completed  int
	Failed     int
	Skipped    int
}

// ComputeStats counts contacts per outcome. It has no side effects and is safe mid-run.
func ComputeStats(contacts []Contact) CampaignStats {
	stats := CampaignStats{Total: len(contacts)}
	for i := range contacts {
		switch contacts[i].Outcome {
		case OutcomePending:
			stats.Pending++
		case OutcomeDispatched:
			stats.Dispatched++
		case OutcomeAnswered:
			stats.Answered++
		case OutcomeFailed:
			stats.Failed++
		case OutcomeSkipped:
			stats.Skipped++
		}
	}

	stats.Terminal = stats.Answered + stats.Failed + stats.Skipped
	if stats.Total > 0 {
		stats.CompletionRatio = float64(stats.Terminal) / float64(stats.Total)
	}
	if stats.Terminal > 0 {
		stats.SuccessRate = float64(stats.Answered) / float64(stats.Terminal)
	}

	return stats
}

func (s CampaignStats) Counters() Counters {
	return Counters{
		Queued:     s.Pending,
		InProgress: s.Dispatched,
		Completed:  s.Answered,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
	}
}
