package risk

import (
	"testing"

	"github.com/toolgate/toolgate/internal/tool"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		category   tool.Category
		permission tool.PermissionLevel
		input      string
		want       Tier
	}{
		{
			name:       "system category is always high",
			category:   tool.CategorySystem,
			permission: tool.PermissionAuto,
			input:      `{"command":"rm -rf /tmp"}`,
			want:       TierHigh,
		},
		{
			name:       "keyword escalates benign category",
			category:   tool.CategoryUtility,
			permission: tool.PermissionAuto,
			input:      `{"query":"DELETE FROM users"}`,
			want:       TierHigh,
		},
		{
			name:       "development defaults to medium",
			category:   tool.CategoryDevelopment,
			permission: tool.PermissionAuto,
			input:      `{"file":"main.go"}`,
			want:       TierMedium,
		},
		{
			name:       "utility with clean input is low",
			category:   tool.CategoryUtility,
			permission: tool.PermissionAuto,
			input:      `{"expr":"1+1"}`,
			want:       TierLow,
		},
		{
			name:       "admin approval forces high",
			category:   tool.CategoryUtility,
			permission: tool.PermissionAdminApproval,
			input:      `{}`,
			want:       TierHigh,
		},
		{
			name:       "user approval floors at medium",
			category:   tool.CategoryUtility,
			permission: tool.PermissionUserApproval,
			input:      `{}`,
			want:       TierMedium,
		},
		{
			name:       "trailing rm escalates",
			category:   tool.CategoryUtility,
			permission: tool.PermissionAuto,
			input:      `{"command":"find /tmp -name '*.log' | xargs rm"}`,
			want:       TierHigh,
		},
		{
			name:       "sudo keyword in nested payload",
			category:   tool.CategoryNetwork,
			permission: tool.PermissionAuto,
			input:      `{"args":["sudo","apt"]}`,
			want:       TierHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.category, tt.permission, tt.input)
			if got != tt.want {
				t.Errorf("Classify(%s, %s, %s) = %s, want %s",
					tt.category, tt.permission, tt.input, got, tt.want)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	t.Parallel()

	for range 32 {
		if got := Classify(tool.CategorySystem, tool.PermissionAuto, `{"command":"rm -rf /tmp"}`); got != TierHigh {
			t.Fatalf("expected stable high tier, got %s", got)
		}
	}
}

func TestTier_Rank(t *testing.T) {
	t.Parallel()

	if !(TierLow.Rank() < TierMedium.Rank() && TierMedium.Rank() < TierHigh.Rank()) {
		t.Error("tier ranks are not ordered")
	}
	if Tier("bogus").Rank() <= TierHigh.Rank() {
		t.Error("unknown tier should rank above high")
	}
}
