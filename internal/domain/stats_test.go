package domain

import "testing"

func TestComputeStats(t *testing.T) {
	t.Parallel()

	contacts := []Contact{
		{Index: 0, Outcome: OutcomeAnswered},
		{Index: 1, Outcome: OutcomeFailed},
		{Index: 2, Outcome: OutcomeAnswered},
		{Index: 3, Outcome: OutcomeDispatched},
		{Index: 4, Outcome: OutcomePending},
		{Index: 5, Outcome: OutcomeSkipped},
	}

	stats := ComputeStats(contacts)

	if stats.Total != 6 {
		t.Fatalf("Total = %d, want 6", stats.Total)
	}
	if stats.Terminal != 4 {
		t.Fatalf("Terminal = %d, want 4", stats.Terminal)
	}
	sum := stats.Pending + stats.Dispatched + stats.Answered + stats.Failed + stats.Skipped
	if sum != stats.Total {
		t.Fatalf("sum of outcome counts = %d, want %d", sum, stats.Total)
	}
	if stats.CompletionRatio != 4.0/6.0 {
		t.Fatalf("CompletionRatio = %v, want %v", stats.CompletionRatio, 4.0/6.0)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", stats.SuccessRate)
	}

	counters := stats.Counters()
	if counters.Queued != 1 || counters.InProgress != 1 || counters.Completed != 2 || counters.Failed != 1 || counters.Skipped != 1 {
		t.Fatalf("Counters() = %+v", counters)
	}
}

func TestComputeStatsNoTerminalContacts(t *testing.T) {
	t.Parallel()

	stats := ComputeStats([]Contact{
		{Index: 0, Outcome: OutcomePending},
		{Index: 1, Outcome: OutcomeDispatched},
	})

	if stats.SuccessRate != 0 {
		t.Fatalf("SuccessRate = %v, want 0", stats.SuccessRate)
	}
	if stats.CompletionRatio != 0 {
		t.Fatalf("CompletionRatio = %v, want 0", stats.CompletionRatio)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	t.Parallel()

	stats := ComputeStats(nil)
	if stats.Total != 0 || stats.CompletionRatio != 0 || stats.SuccessRate != 0 {
		t.Fatalf("ComputeStats(nil) = %+v, want zero value", stats)
	}
}
