package ledger

import (
	"errors"
	"testing"
)

func TestLevelBoundaries(t *testing.T) {
	cases := []struct {
		xp   uint64
		want uint8
	}{
		{0, 0}, {1, 0}, {99, 0},
		{100, 1}, {249, 1},
		{250, 2}, {499, 2},
		{500, 3}, {100000, 3},
	}
	for _, tc := range cases {
		if got := Level(tc.xp); got != tc.want {
			t.Fatalf("Level(%d) = %d, want %d", tc.xp, got, tc.want)
		}
		if got := Rank(tc.xp); got != tc.want {
			t.Fatalf("Rank(%d) = %d, want %d", tc.xp, got, tc.want)
		}
	}
}

func TestReputationVectors(t *testing.T) {
	cases := []struct {
		xp                   uint64
		days, rating, weight int64
		want                 uint8
	}{
		{0, 0, 0, 0, 18},
		{100, 0, 0, 0, 28},
		{100, 5, 1, 0, 43},
		{500, 10, 5, 5, 63},
		{1000, 20, 10, 10, 100},
	}
	for _, tc := range cases {
		got, err := Reputation(tc.xp, tc.days, tc.rating, tc.weight)
		if err != nil {
			t.Fatalf("Reputation(%d,%d,%d,%d): %v", tc.xp, tc.days, tc.rating, tc.weight, err)
		}
		if got != tc.want {
			t.Fatalf("Reputation(%d,%d,%d,%d) = %d, want %d", tc.xp, tc.days, tc.rating, tc.weight, got, tc.want)
		}
	}
}

func TestReputationClampsToZero(t *testing.T) {
	got, err := Reputation(0, 0, 0, 50)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected floor of 0, got %d", got)
	}
}

func TestReputationRejectsNegativeInput(t *testing.T) {
	for i, args := range [][3]int64{
		{-1, 0, 0},
		{0, -1, 0},
		{0, 0, -1},
	} {
		if _, err := Reputation(0, args[0], args[1], args[2]); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestReputationClampsHugeXP(t *testing.T) {
	got, err := Reputation(1<<63, 0, 0, 0)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if got != 100 {
		t.Fatalf("expected ceiling of 100, got %d", got)
	}
}

func TestReputationTruncatesDivision(t *testing.T) {
	// 99/10 truncates to 9, not 10.
	got, err := Reputation(99, 0, 0, 0)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if got != 27 {
		t.Fatalf("expected 27, got %d", got)
	}
}
