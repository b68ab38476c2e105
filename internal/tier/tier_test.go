package tier

import (
	"testing"
	"time"
)

func testLadder() *Ladder {
	order := []string{
		"OPT_IN",
		"GOLD", "GOLD_PURCHASED",
		"SILVER", "SILVER_PURCHASED",
		"BRONZE", "BRONZE_PURCHASED",
		"WOOD",
	}
	progression := map[string]Step{
		"OPT_IN":           {Purchased: "GOLD_PURCHASED", NotPurchased: "SILVER"},
		"GOLD":             {Purchased: "GOLD_PURCHASED", NotPurchased: "SILVER"},
		"SILVER":           {Purchased: "SILVER_PURCHASED", NotPurchased: "BRONZE"},
		"BRONZE":           {Purchased: "BRONZE_PURCHASED", NotPurchased: "WOOD"},
		"GOLD_PURCHASED":   {Purchased: "GOLD_PURCHASED", NotPurchased: "GOLD_PURCHASED"},
		"SILVER_PURCHASED": {Purchased: "SILVER_PURCHASED", NotPurchased: "SILVER_PURCHASED"},
		"BRONZE_PURCHASED": {Purchased: "BRONZE_PURCHASED", NotPurchased: "BRONZE_PURCHASED"},
	}
	return NewLadder(order, progression)
}

func TestNext(t *testing.T) {
	l := testLadder()

	tests := []struct {
		current   string
		purchased bool
		want      string
	}{
		{"OPT_IN", true, "GOLD_PURCHASED"},
		{"OPT_IN", false, "SILVER"},
		{"GOLD", true, "GOLD_PURCHASED"},
		{"gold", true, "GOLD_PURCHASED"},
		{"SILVER", false, "BRONZE"},
		{"BRONZE", false, "WOOD"},
		{"GOLD_PURCHASED", false, "GOLD_PURCHASED"},
		{"GOLD_PURCHASED", true, "GOLD_PURCHASED"},
		{"WOOD", false, "WOOD"},
		{"UNKNOWN_TIER", true, "UNKNOWN_TIER"},
	}

	for _, tt := range tests {
		if got := l.Next(tt.current, tt.purchased); got != tt.want {
			t.Errorf("Next(%q, %v) = %q, want %q", tt.current, tt.purchased, got, tt.want)
		}
	}
}

func TestRequiresPurchase(t *testing.T) {
	tests := []struct {
		tier string
		want bool
	}{
		{"GOLD_PURCHASED", true},
		{"silver_purchased", true},
		{"GOLD", false},
		{"OPT_IN", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := RequiresPurchase(tt.tier); got != tt.want {
			t.Errorf("RequiresPurchase(%q) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestIsLegal(t *testing.T) {
	l := testLadder()

	tests := []struct {
		name      string
		from, to  string
		purchased bool
		want      bool
	}{
		{"identity without purchase", "GOLD", "GOLD", false, true},
		{"identity on purchased tier", "GOLD_PURCHASED", "GOLD_PURCHASED", false, true},
		{"progression with purchase", "GOLD", "GOLD_PURCHASED", true, true},
		{"purchase tier without evidence", "GOLD", "GOLD_PURCHASED", false, false},
		{"progression without purchase", "SILVER", "BRONZE", false, true},
		{"wrong branch", "SILVER", "BRONZE", true, false},
		{"skipping tiers", "OPT_IN", "BRONZE", false, false},
		{"leaving terminal tier", "GOLD_PURCHASED", "SILVER", false, false},
		{"unknown source", "PLATINUM", "GOLD", false, false},
		{"case-insensitive", "gold", "silver", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.IsLegal(tt.from, tt.to, tt.purchased); got != tt.want {
				t.Errorf("IsLegal(%q, %q, %v) = %v, want %v", tt.from, tt.to, tt.purchased, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	l := testLadder()

	tests := []struct {
		tier string
		want bool
	}{
		{"GOLD_PURCHASED", true},
		{"SILVER_PURCHASED", true},
		{"WOOD", true},
		{"GOLD", false},
		{"OPT_IN", false},
	}
	for _, tt := range tests {
		if got := l.Terminal(tt.tier); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestLadderOrder(t *testing.T) {
	l := testLadder()

	if got := l.Base(); got != "OPT_IN" {
		t.Errorf("Base() = %q", got)
	}
	if !l.Contains("silver") {
		t.Error("Contains should be case-insensitive")
	}
	if l.Contains("PLATINUM") {
		t.Error("PLATINUM is not in the ladder")
	}
	if got := l.Rank("GOLD"); got != 1 {
		t.Errorf("Rank(GOLD) = %d", got)
	}
	if got := l.Rank("PLATINUM"); got != -1 {
		t.Errorf("Rank(PLATINUM) = %d, want -1", got)
	}
	if got := len(l.Tiers()); got != 8 {
		t.Errorf("Tiers() returned %d tiers, want 8", got)
	}
}

func TestRateGuard(t *testing.T) {
	g := NewRateGuard(2)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := base
	g.SetClock(func() time.Time { return now })

	if !g.Allow("User@Example.com") {
		t.Fatal("first move should be allowed")
	}
	if !g.Allow("user@example.com") {
		t.Fatal("second move should be allowed")
	}
	if g.Allow("user@example.com") {
		t.Fatal("third move should be blocked")
	}
	if g.Used("user@example.com") != 2 {
		t.Errorf("Used = %d, want 2", g.Used("user@example.com"))
	}

	// Another subscriber has an independent budget.
	if !g.Allow("other@example.com") {
		t.Error("unrelated subscriber should be allowed")
	}

	// Budget resets at the day boundary.
	now = base.Add(24 * time.Hour)
	if !g.Allow("user@example.com") {
		t.Error("budget should reset the next day")
	}
}

func TestRateGuardDisabled(t *testing.T) {
	g := NewRateGuard(0)
	for i := 0; i < 10; i++ {
		if !g.Allow("user@example.com") {
			t.Fatal("disabled guard should always allow")
		}
	}
}
