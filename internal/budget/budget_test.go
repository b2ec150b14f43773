package budget

import (
	"strings"
	"testing"
)

func lenCost(s string) int { return PerEntryOverhead + Estimate(s) }

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},        // < 4 chars → 1
		{"abcd", 1},     // exactly 4 chars → 1
		{"abcde", 1},    // 5 chars → 1
		{"abcdefgh", 2}, // 8 chars → 2
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		got := Estimate(tc.input)
		if got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func Test_EstimateAll(t *testing.T) {
	t.Parallel()
	if got := EstimateAll("abcdefgh", "", "a"); got != 3 {
		t.Errorf("EstimateAll = %d, want 3", got)
	}
}

func Test_TrimOldest_NoTrimNeeded(t *testing.T) {
	t.Parallel()
	history := []string{"hi", "there"}
	got := TrimOldest(history, 10, DefaultMaxContextTokens, lenCost)
	if len(got) != 2 {
		t.Errorf("want 2 history entries, got %d", len(got))
	}
}

func Test_TrimOldest_DropsOldest(t *testing.T) {
	t.Parallel()
	// Each entry costs 4 + 1 = 5 tokens; a budget of 7 fits one but not two.
	history := []string{"oldest", "newer"}
	got := TrimOldest(history, 0, 7, lenCost)
	if len(got) != 1 {
		t.Fatalf("want 1 history entry after trim, got %d", len(got))
	}
	if got[0] != "newer" {
		t.Errorf("want newest entry retained, got %q", got[0])
	}
}

func Test_TrimOldest_Empty(t *testing.T) {
	t.Parallel()
	got := TrimOldest[string](nil, 10, DefaultMaxContextTokens, lenCost)
	if len(got) != 0 {
		t.Errorf("want empty, got %d", len(got))
	}
}

func Test_TrimOldest_AllDroppedWhenFixedExceedsBudget(t *testing.T) {
	t.Parallel()
	got := TrimOldest([]string{"a", "b"}, 7000, 6000, lenCost)
	if len(got) != 0 {
		t.Errorf("want 0 history entries, got %d", len(got))
	}
}

func Test_TrimOldest_ZeroBudgetDisablesTrimming(t *testing.T) {
	t.Parallel()
	got := TrimOldest([]string{"a", "b"}, 7000, 0, lenCost)
	if len(got) != 2 {
		t.Errorf("want 2 entries with trimming disabled, got %d", len(got))
	}
}
