package usage_test

import (
	"testing"
	"time"

	"github.com/velariq/tokengate/domain/usage"
)

func TestSummarize(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	records := []usage.Record{
		{AccountID: "acc_1", Tokens: 100, Operation: usage.OpWorkflowCreate, CreatedAt: start},
		{AccountID: "acc_1", Tokens: 250, Operation: usage.OpWorkflowRun, CreatedAt: start.Add(time.Hour)},
		{AccountID: "acc_1", Tokens: 50, CreatedAt: start.Add(2 * time.Hour)},
		{AccountID: "acc_1", Tokens: 999, Operation: usage.OpWorkflowRun, CreatedAt: start.Add(-time.Second)},
		{AccountID: "acc_1", Tokens: 999, Operation: usage.OpWorkflowRun, CreatedAt: end},
	}

	s := usage.Summarize("acc_1", records, start, end)

	if s.Tokens != 400 {
		t.Errorf("Tokens = %d, want 400", s.Tokens)
	}
	if s.Charges != 3 {
		t.Errorf("Charges = %d, want 3", s.Charges)
	}
	if s.ByOperation[usage.OpWorkflowRun] != 250 {
		t.Errorf("ByOperation[run] = %d, want 250", s.ByOperation[usage.OpWorkflowRun])
	}
	if s.ByOperation[usage.OpCharge] != 50 {
		t.Errorf("unlabelled records should count as %q", usage.OpCharge)
	}
}

func TestSummarize_Empty(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := usage.Summarize("acc_1", nil, start, start.AddDate(0, 1, 0))

	if s.Tokens != 0 || s.Charges != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
	if s.ByOperation == nil {
		t.Error("ByOperation should be non-nil")
	}
}
