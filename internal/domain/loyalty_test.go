package domain

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestActivityDate_AppliesTimezoneOffset(t *testing.T) {
	// 23:30 UTC is already the next day at UTC+1.
	ts := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	if got := ActivityDate(ts, 0); !got.Equal(day(2026, 3, 10)) {
		t.Fatalf("expected 2026-03-10 at UTC, got %v", got)
	}
	if got := ActivityDate(ts, 60); !got.Equal(day(2026, 3, 11)) {
		t.Fatalf("expected 2026-03-11 at UTC+1, got %v", got)
	}
	if got := ActivityDate(ts, -300); !got.Equal(day(2026, 3, 10)) {
		t.Fatalf("expected 2026-03-10 at UTC-5, got %v", got)
	}
}

func TestResolveActivity_FirstActivityStartsStreak(t *testing.T) {
	s := &UserStreak{}
	res := ResolveActivity(s, day(2026, 3, 10))

	if res.Action != ActionStarted {
		t.Fatalf("expected started, got %s", res.Action)
	}
	if res.NewCount != 1 {
		t.Fatalf("expected count 1, got %d", res.NewCount)
	}
	if !res.MaxStreakUpdated {
		t.Fatal("expected max streak update on first activity")
	}
}

func TestResolveActivity_Transitions(t *testing.T) {
	lastActivity := day(2026, 3, 10)
	missedDay := day(2026, 3, 11)

	tests := []struct {
		name           string
		streak         UserStreak
		activityDate   time.Time
		wantAction     StreakAction
		wantCount      int
		wantFreezeUsed bool
	}{
		{
			name:         "same day is a no-op",
			streak:       UserStreak{CurrentCount: 5, LastActivityDate: &lastActivity},
			activityDate: day(2026, 3, 10),
			wantAction:   ActionSameDay,
			wantCount:    5,
		},
		{
			name:         "out of order activity is a no-op",
			streak:       UserStreak{CurrentCount: 5, LastActivityDate: &lastActivity},
			activityDate: day(2026, 3, 9),
			wantAction:   ActionSameDay,
			wantCount:    5,
		},
		{
			name:         "next day extends",
			streak:       UserStreak{CurrentCount: 5, LastActivityDate: &lastActivity},
			activityDate: day(2026, 3, 11),
			wantAction:   ActionExtended,
			wantCount:    6,
		},
		{
			name:           "missed day with token freezes and preserves count",
			streak:         UserStreak{CurrentCount: 9, LastActivityDate: &lastActivity, FreezeInventory: 2},
			activityDate:   day(2026, 3, 12),
			wantAction:     ActionFrozen,
			wantCount:      9,
			wantFreezeUsed: true,
		},
		{
			name:         "missed day without token breaks to one",
			streak:       UserStreak{CurrentCount: 9, LastActivityDate: &lastActivity},
			activityDate: day(2026, 3, 12),
			wantAction:   ActionBroken,
			wantCount:    1,
		},
		{
			name: "same missed day cannot be frozen twice",
			streak: UserStreak{
				CurrentCount:     9,
				LastActivityDate: &lastActivity,
				FreezeInventory:  2,
				LastFrozenDate:   &missedDay,
			},
			activityDate: day(2026, 3, 12),
			wantAction:   ActionBroken,
			wantCount:    1,
		},
		{
			name:           "multi day gap with token still freezes",
			streak:         UserStreak{CurrentCount: 9, LastActivityDate: &lastActivity, FreezeInventory: 1},
			activityDate:   day(2026, 3, 15),
			wantAction:     ActionFrozen,
			wantCount:      9,
			wantFreezeUsed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveActivity(&tt.streak, tt.activityDate)
			if res.Action != tt.wantAction {
				t.Fatalf("expected action %s, got %s", tt.wantAction, res.Action)
			}
			if res.NewCount != tt.wantCount {
				t.Fatalf("expected count %d, got %d", tt.wantCount, res.NewCount)
			}
			if res.FreezeUsed != tt.wantFreezeUsed {
				t.Fatalf("expected freeze_used=%t, got %t", tt.wantFreezeUsed, res.FreezeUsed)
			}
		})
	}
}

func TestNextMilestone_RespectsMarkerAndCount(t *testing.T) {
	rule := StreakRule{
		Milestones: []Milestone{
			{Day: 30, RewardPoints: 500},
			{Day: 7, RewardPoints: 100},
			{Day: 14, RewardPoints: 250},
		},
	}

	if m := rule.NextMilestone(0, 6); m != nil {
		t.Fatalf("expected no milestone below day 7, got day %d", m.Day)
	}

	m := rule.NextMilestone(0, 7)
	if m == nil || m.Day != 7 {
		t.Fatalf("expected day-7 milestone, got %+v", m)
	}

	// Marker already past day 7: re-reaching day 7 awards nothing again.
	if m := rule.NextMilestone(7, 7); m != nil {
		t.Fatalf("expected no repeat award, got day %d", m.Day)
	}

	// A count that jumped past several milestones still awards the lowest
	// uncrossed one first.
	m = rule.NextMilestone(7, 31)
	if m == nil || m.Day != 14 {
		t.Fatalf("expected day-14 milestone next, got %+v", m)
	}
}

func TestRewardItemAvailability_ChecksInOrder(t *testing.T) {
	badge := "badge-gold"
	zero := 0
	ten := 10

	tests := []struct {
		name       string
		item       RewardItem
		balance    int64
		badges     []string
		wantReason string
	}{
		{
			name:       "inactive wins over everything",
			item:       RewardItem{Active: false, CostPoints: 100, StockQuantity: &zero, RequiredBadgeID: &badge},
			balance:    0,
			wantReason: UnavailableInactive,
		},
		{
			name:       "out of stock before points",
			item:       RewardItem{Active: true, CostPoints: 100, StockQuantity: &zero},
			balance:    0,
			wantReason: UnavailableOutOfStock,
		},
		{
			name:       "insufficient points before badge",
			item:       RewardItem{Active: true, CostPoints: 100, RequiredBadgeID: &badge},
			balance:    40,
			wantReason: UnavailableInsufficientPoints,
		},
		{
			name:       "missing badge last",
			item:       RewardItem{Active: true, CostPoints: 100, RequiredBadgeID: &badge},
			balance:    150,
			wantReason: UnavailableMissingBadge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.item.Availability(tt.balance, tt.badges)
			if got == nil {
				t.Fatal("expected an availability error")
			}
			if got.Reason != tt.wantReason {
				t.Fatalf("expected reason %q, got %q", tt.wantReason, got.Reason)
			}
		})
	}

	item := RewardItem{Active: true, CostPoints: 100, StockQuantity: &ten, RequiredBadgeID: &badge}
	if err := item.Availability(150, []string{"badge-silver", badge}); err != nil {
		t.Fatalf("expected redeemable item, got %v", err)
	}
}

func TestRewardItemAvailability_ReportsPointsNeeded(t *testing.T) {
	item := RewardItem{Active: true, CostPoints: 500}
	err := item.Availability(120, nil)
	if err == nil {
		t.Fatal("expected an availability error")
	}
	if err.PointsNeeded != 380 {
		t.Fatalf("expected 380 points needed, got %d", err.PointsNeeded)
	}
}

func TestUserStatsMetric_AliasesTotalEarnings(t *testing.T) {
	stats := UserStats{TotalEarned: 4200}

	for _, name := range []string{"total_earned", "total_earnings"} {
		v, ok := stats.Metric(name)
		if !ok || v != 4200 {
			t.Fatalf("expected %s to resolve 4200, got %d ok=%t", name, v, ok)
		}
	}

	if _, ok := stats.Metric("unknown_metric"); ok {
		t.Fatal("expected unknown metric to be unresolved")
	}
}
