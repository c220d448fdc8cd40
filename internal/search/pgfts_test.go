package search

import "testing"

func TestRescaleScoresMapsRanksOntoUnitRange(t *testing.T) {
	results := rescaleScores([]Result{
		{ClauseID: "cls_1", Score: 0.0912},
		{ClauseID: "cls_2", Score: 0.0456},
		{ClauseID: "cls_3", Score: 0.0091},
	})
	if results[0].Score != 1.0 {
		t.Fatalf("best score = %v, want 1.0", results[0].Score)
	}
	if results[1].Score != 0.5 {
		t.Fatalf("second score = %v, want 0.5", results[1].Score)
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Fatalf("score[%d] = %v, outside the unit range", i, r.Score)
		}
	}
}

func TestRescaleScoresEmptyAndZero(t *testing.T) {
	if got := rescaleScores(nil); got != nil {
		t.Fatalf("rescale(nil) = %v", got)
	}
	zero := rescaleScores([]Result{{ClauseID: "cls_1", Score: 0}})
	if zero[0].Score != 0 {
		t.Fatalf("zero-rank score = %v, want untouched 0", zero[0].Score)
	}
}
