package usage

import (
	"context"
	"testing"

	"github.com/openmates/ai-core/internal/config"
)

type stubConfigClient struct {
	modelPricing    PricingRecord
	modelPricingOK  bool
	providerPricing PricingRecord
	providerOK      bool
	providerInfo    ProviderDisplayInfo
}

func (s *stubConfigClient) ModelPricing(ctx context.Context, providerID, modelSuffix string) (PricingRecord, bool, error) {
	return s.modelPricing, s.modelPricingOK, nil
}

func (s *stubConfigClient) ProviderPricing(ctx context.Context, providerID string) (PricingRecord, bool, error) {
	return s.providerPricing, s.providerOK, nil
}

func (s *stubConfigClient) ProviderInfo(ctx context.Context, providerID, modelRef string) (ProviderDisplayInfo, error) {
	return s.providerInfo, nil
}

type stubChargeClient struct {
	requests []ChargeRequest
}

func (s *stubChargeClient) Charge(ctx context.Context, req ChargeRequest) error {
	s.requests = append(s.requests, req)
	return nil
}

func newTestApps() *config.AppRegistry {
	reg := config.NewAppRegistry()
	reg.Set(config.AppDefinition{
		ID: "reminder",
		Skills: []config.SkillDefinition{
			{ID: "set", PerRequestCredits: 2},
		},
	})
	reg.Set(config.AppDefinition{
		ID: "web",
		Skills: []config.SkillDefinition{
			{ID: "search"}, // no app.yml pricing; falls through the cascade
		},
	})
	return reg
}

func TestChargeSkillUsesAppYMLPricingFirst(t *testing.T) {
	apps := newTestApps()
	cfg := &stubConfigClient{}
	charge := &stubChargeClient{}
	d := NewDriver(apps, config.ModelRegistry{}, cfg, charge, nil)

	d.ChargeSkill(context.Background(), SkillChargeParams{
		AppID: "reminder", SkillID: "set", UserID: "u1", UserIDHash: "uh1",
	})

	if len(charge.requests) != 1 {
		t.Fatalf("expected one charge request, got %d", len(charge.requests))
	}
	if charge.requests[0].Credits != 2 {
		t.Errorf("expected 2 credits from app.yml pricing, got %d", charge.requests[0].Credits)
	}
	if charge.requests[0].UsageDetails["pricing_source"] != "app_yml" {
		t.Errorf("expected app_yml pricing source, got %v", charge.requests[0].UsageDetails["pricing_source"])
	}
}

func TestChargeSkillFallsBackToPerUnitModelPricing(t *testing.T) {
	apps := newTestApps()
	cfg := &stubConfigClient{modelPricing: PricingRecord{PerUnitCredits: 3}, modelPricingOK: true}
	charge := &stubChargeClient{}
	d := NewDriver(apps, config.ModelRegistry{}, cfg, charge, nil)

	d.ChargeSkill(context.Background(), SkillChargeParams{
		AppID: "web", SkillID: "search", RequestCount: 4, UserID: "u1", UserIDHash: "uh1",
	})

	if charge.requests[0].Credits != 12 {
		t.Errorf("expected 3 credits * 4 units = 12, got %d", charge.requests[0].Credits)
	}
}

func TestChargeSkillUsesMinimumWhenNoPricingResolves(t *testing.T) {
	apps := newTestApps()
	cfg := &stubConfigClient{}
	charge := &stubChargeClient{}
	d := NewDriver(apps, config.ModelRegistry{}, cfg, charge, nil)

	d.ChargeSkill(context.Background(), SkillChargeParams{AppID: "web", SkillID: "search", UserID: "u1"})

	if charge.requests[0].Credits != MinimumCreditsCharged {
		t.Errorf("expected minimum credits charged, got %d", charge.requests[0].Credits)
	}
}

func TestChargeLLMSkipsStandardizedErrorResponses(t *testing.T) {
	models := config.NewModelRegistry([]config.ModelInfo{{ID: "gpt-5", PerMillionInput: 1, PerMillionOutput: 2}})
	charge := &stubChargeClient{}
	d := NewDriver(config.NewAppRegistry(), models, &stubConfigClient{}, charge, nil)

	d.ChargeLLM(context.Background(), LLMChargeParams{
		ModelRef: "gpt-5", Usage: &Usage{InputTokens: 1000, OutputTokens: 1000},
		ResponseIsStandardizedError: true,
	})

	if len(charge.requests) != 0 {
		t.Errorf("expected no charge for a standardized-error response, got %d", len(charge.requests))
	}
}

func TestChargeLLMAppliesCeilToIntegerFormula(t *testing.T) {
	models := config.NewModelRegistry([]config.ModelInfo{{ID: "gpt-5", PerMillionInput: 10, PerMillionOutput: 30}})
	charge := &stubChargeClient{}
	d := NewDriver(config.NewAppRegistry(), models, &stubConfigClient{}, charge, nil)

	d.ChargeLLM(context.Background(), LLMChargeParams{
		ModelRef: "gpt-5",
		Usage:    &Usage{InputTokens: 100_000, OutputTokens: 50_000},
	})

	if len(charge.requests) != 1 {
		t.Fatalf("expected one charge request, got %d", len(charge.requests))
	}
	// real cost = 100_000*10/1e6 + 50_000*30/1e6 = 1 + 1.5 = 2.5 -> ceil = 3
	if charge.requests[0].Credits != 3 {
		t.Errorf("expected 3 credits (ceil of 2.5), got %d", charge.requests[0].Credits)
	}
}

func TestNormalizeProviderAppliesAliasesAndMapsSpecialCase(t *testing.T) {
	cases := []struct{ provider, appID, want string }{
		{"Brave", "web", "brave"},
		{"Brave Search", "web", "brave"},
		{"Google", "maps", "google_maps"},
		{"Google", "web", "google"},
		{"OpenAI", "", "openai"},
	}
	for _, c := range cases {
		if got := normalizeProvider(c.provider, c.appID); got != c.want {
			t.Errorf("normalizeProvider(%q, %q) = %q, want %q", c.provider, c.appID, got, c.want)
		}
	}
}
