package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/openmates/ai-core/internal/config"
)

// MinimumCreditsCharged is the floor applied when a skill call has no
// resolvable pricing anywhere in the cascade (spec.md §4.11 step 2).
const MinimumCreditsCharged = 1

// providerAliases normalizes a provider display name to the lowercase id
// used for per-provider pricing lookups (spec.md §4.11 step 1). A few
// providers are keyed by a name that isn't simply their lowercased id, or
// depend on which app is calling them.
var providerAliases = map[string]string{
	"brave":        "brave",
	"brave search": "brave",
	"google":       "google",
}

// normalizeProvider resolves a (provider display name, app id) pair to
// the lowercase provider key used for pricing and provider-info lookups.
// Maps' "google" provider bills under a distinct key from other Google
// integrations, hence the app-id special case.
func normalizeProvider(provider, appID string) string {
	key := strings.ToLower(strings.TrimSpace(provider))
	if alias, ok := providerAliases[key]; ok {
		key = alias
	}
	if key == "google" && appID == "maps" {
		return "google_maps"
	}
	return key
}

// PricingRecord is the resolved pricing for one (app, skill) or
// (provider, model) pair, as returned by the internal config endpoints
// or an app's own app.yml.
type PricingRecord struct {
	PerUnitCredits    float64
	PerRequestCredits float64
}

func (p PricingRecord) isZero() bool {
	return p.PerUnitCredits == 0 && p.PerRequestCredits == 0
}

// ProviderDisplayInfo is recorded on the usage row for operator-facing
// billing reports.
type ProviderDisplayInfo struct {
	Name   string
	Region string
}

// ConfigClient resolves pricing and provider info through the internal
// config service (spec.md §6's GET /internal/config/... endpoints).
type ConfigClient interface {
	ModelPricing(ctx context.Context, providerID, modelSuffix string) (PricingRecord, bool, error)
	ProviderPricing(ctx context.Context, providerID string) (PricingRecord, bool, error)
	ProviderInfo(ctx context.Context, providerID, modelRef string) (ProviderDisplayInfo, error)
}

// ChargeRequest is the body of POST /internal/billing/charge.
type ChargeRequest struct {
	UserID       string         `json:"user_id"`
	UserIDHash   string         `json:"user_id_hash"`
	Credits      int            `json:"credits"`
	SkillID      string         `json:"skill_id,omitempty"`
	AppID        string         `json:"app_id,omitempty"`
	UsageDetails map[string]any `json:"usage_details,omitempty"`
}

// HTTPConfigClient is the production ConfigClient, talking to the same
// internal API the dispatcher and focus-mode persistence tasks use.
// Grounded on teacher internal/usage/provider_fetch.go's request/decode
// pattern (context-scoped http.Client, JSON body, status-code check).
type HTTPConfigClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPConfigClient(cfg config.InternalAPIConfig) *HTTPConfigClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPConfigClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.SharedServiceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConfigClient) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("usage: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("X-Internal-Service-Token", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("usage: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return false, fmt.Errorf("usage: %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("usage: %s: decode: %w", path, err)
	}
	return true, nil
}

func (c *HTTPConfigClient) ModelPricing(ctx context.Context, providerID, modelSuffix string) (PricingRecord, bool, error) {
	var rec PricingRecord
	ok, err := c.get(ctx, fmt.Sprintf("/internal/config/provider_model_pricing/%s/%s", providerID, modelSuffix), &rec)
	return rec, ok, err
}

func (c *HTTPConfigClient) ProviderPricing(ctx context.Context, providerID string) (PricingRecord, bool, error) {
	var rec PricingRecord
	ok, err := c.get(ctx, fmt.Sprintf("/internal/config/provider_pricing/%s", providerID), &rec)
	return rec, ok, err
}

func (c *HTTPConfigClient) ProviderInfo(ctx context.Context, providerID, modelRef string) (ProviderDisplayInfo, error) {
	var info ProviderDisplayInfo
	_, err := c.get(ctx, fmt.Sprintf("/internal/config/provider_info/%s?model_ref=%s", providerID, modelRef), &info)
	return info, err
}

// HTTPChargeClient posts to the internal billing/charge endpoint.
type HTTPChargeClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPChargeClient(cfg config.InternalAPIConfig) *HTTPChargeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChargeClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.SharedServiceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChargeClient) Charge(ctx context.Context, req ChargeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("usage: marshal charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/billing/charge", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("usage: build charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("X-Internal-Service-Token", c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("usage: charge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("usage: charge: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// ChargeClient is the narrow interface the billing driver depends on,
// kept separate from HTTPChargeClient so tests can substitute a stub.
type ChargeClient interface {
	Charge(ctx context.Context, req ChargeRequest) error
}

// Driver implements the two independent billing paths of spec.md §4.11.
// Billing failures are always logged and never propagate to the
// caller — per spec.md §7, "Billing failure ... Logged; never
// propagates" — so every exported method here returns nothing.
type Driver struct {
	apps   *config.AppRegistry
	models config.ModelRegistry
	config ConfigClient
	charge ChargeClient
	logger *slog.Logger
}

func NewDriver(apps *config.AppRegistry, models config.ModelRegistry, cfgClient ConfigClient, chargeClient ChargeClient, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{apps: apps, models: models, config: cfgClient, charge: chargeClient, logger: logger}
}

// SkillChargeParams describes one completed, non-cancelled,
// non-all-error skill call (spec.md §4.11, Testable Property #7).
type SkillChargeParams struct {
	AppID        string
	SkillID      string
	Provider     string
	ModelRef     string
	RequestCount int // len(arguments.requests), or 0 when absent (treated as 1 unit)
	UserID       string
	UserIDHash   string
}

// ChargeSkill resolves pricing through the app.yml → per-model →
// per-provider cascade, computes credits, and posts the charge. Any
// resolution or network failure is logged and swallowed.
func (d *Driver) ChargeSkill(ctx context.Context, p SkillChargeParams) {
	pricing, source := d.resolveSkillPricing(ctx, p)
	credits := computeSkillCredits(pricing, p.RequestCount)

	usageDetails := map[string]any{
		"pricing_source": source,
		"request_count":  unitsProcessed(p.RequestCount),
	}
	if info, err := d.config.ProviderInfo(ctx, normalizeProvider(p.Provider, p.AppID), p.ModelRef); err == nil {
		usageDetails["provider_name"] = info.Name
		usageDetails["provider_region"] = info.Region
	} else {
		d.logger.Warn("provider info lookup failed", "app_id", p.AppID, "skill_id", p.SkillID, "error", err)
	}

	req := ChargeRequest{
		UserID:       p.UserID,
		UserIDHash:   p.UserIDHash,
		Credits:      credits,
		SkillID:      p.SkillID,
		AppID:        p.AppID,
		UsageDetails: usageDetails,
	}
	if err := d.charge.Charge(ctx, req); err != nil {
		d.logger.Warn("skill billing charge failed", "app_id", p.AppID, "skill_id", p.SkillID, "credits", credits, "error", err)
	}
}

// resolveSkillPricing implements spec.md §4.11 step 1's cascade.
func (d *Driver) resolveSkillPricing(ctx context.Context, p SkillChargeParams) (PricingRecord, string) {
	if skill, ok := d.apps.LookupSkill(p.AppID, p.SkillID); ok {
		rec := PricingRecord{PerUnitCredits: skill.PerUnitCredits, PerRequestCredits: skill.PerRequestCredits}
		if !rec.isZero() {
			return rec, "app_yml"
		}
	}

	providerKey := normalizeProvider(p.Provider, p.AppID)
	if rec, ok, err := d.config.ModelPricing(ctx, providerKey, p.ModelRef); err == nil && ok && !rec.isZero() {
		return rec, "per_model"
	} else if err != nil {
		d.logger.Warn("model pricing lookup failed", "provider", providerKey, "error", err)
	}

	if rec, ok, err := d.config.ProviderPricing(ctx, providerKey); err == nil && ok && !rec.isZero() {
		return rec, "per_provider"
	} else if err != nil {
		d.logger.Warn("provider pricing lookup failed", "provider", providerKey, "error", err)
	}

	return PricingRecord{}, "none"
}

func unitsProcessed(requestCount int) int {
	if requestCount <= 0 {
		return 1
	}
	return requestCount
}

// computeSkillCredits implements spec.md §4.11 step 2.
func computeSkillCredits(pricing PricingRecord, requestCount int) int {
	if pricing.isZero() {
		return MinimumCreditsCharged
	}
	units := unitsProcessed(requestCount)
	if pricing.PerUnitCredits > 0 {
		return ceilCredits(pricing.PerUnitCredits * float64(units))
	}
	return ceilCredits(pricing.PerRequestCredits)
}

// LLMChargeParams describes one completed (or user-interrupted) turn's
// LLM usage (spec.md §4.11's LLM billing path).
type LLMChargeParams struct {
	Provider   string
	ModelRef   string
	Usage      *Usage
	UserID     string
	UserIDHash string

	// ResponseIsStandardizedError marks a turn whose surfaced content was
	// the fixed "AI service encountered an error" string (spec.md §7,
	// Testable Property #8) — billing is skipped entirely for these.
	ResponseIsStandardizedError bool
}

// ChargeLLM resolves per-model pricing, computes real-cost/charged-cost
// telemetry, and posts the charge. A no-op when Usage is nil or the turn
// surfaced the standardized error message.
func (d *Driver) ChargeLLM(ctx context.Context, p LLMChargeParams) {
	if p.ResponseIsStandardizedError || p.Usage == nil {
		return
	}

	model, ok := d.models.Lookup(p.ModelRef)
	if !ok {
		d.logger.Warn("no llm pricing found, skipping charge", "model", p.ModelRef)
		return
	}
	providerKey := normalizeProvider(p.Provider, "")

	cost := Cost{Input: model.PerMillionInput, Output: model.PerMillionOutput}
	realCostCredits := cost.Estimate(p.Usage)
	credits := ceilCredits(realCostCredits)

	req := ChargeRequest{
		UserID:     p.UserID,
		UserIDHash: p.UserIDHash,
		Credits:    credits,
		UsageDetails: map[string]any{
			"provider":          providerKey,
			"model":             p.ModelRef,
			"input_tokens":      p.Usage.InputTokens,
			"output_tokens":     p.Usage.OutputTokens,
			"real_cost_credits": realCostCredits,
			"charged_credits":   credits,
			"margin_credits":    float64(credits) - realCostCredits,
		},
	}
	if err := d.charge.Charge(ctx, req); err != nil {
		d.logger.Warn("llm billing charge failed", "model", p.ModelRef, "credits", credits, "error", err)
	}
}

// RejectionCreditCharge is the fixed minimal credit charged when
// preprocessing rejects a turn as harmful or misuse (spec.md §4.1 gate
// 1) — not a skill or LLM usage charge, so it bypasses both pricing
// cascades.
const RejectionCreditCharge = 1

// ChargeFixed posts a flat credit charge carrying no skill/model pricing
// details, used for non-usage charges such as a rejected-turn minimum.
func (d *Driver) ChargeFixed(ctx context.Context, userID, userIDHash string, credits int, reason string) {
	req := ChargeRequest{
		UserID:       userID,
		UserIDHash:   userIDHash,
		Credits:      credits,
		UsageDetails: map[string]any{"reason": reason},
	}
	if err := d.charge.Charge(ctx, req); err != nil {
		d.logger.Warn("fixed charge failed", "reason", reason, "credits", credits, "error", err)
	}
}

// ceilCredits applies the ceil-to-integer credit formula (spec.md
// §4.11's "ceil-to-integer credit formula from tokens").
func ceilCredits(raw float64) int {
	if raw <= 0 {
		return 0
	}
	return int(math.Ceil(raw))
}
