package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"lexcredit/internal/billing"
	"lexcredit/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements BillingProvider by making direct HTTP calls to the
// Stripe REST API through BaseClient. This routes all requests through the
// resilience infrastructure (circuit breaker, retries, error mapping) and
// makes testing with httptest straightforward.
//
// User correlation uses metadata['user_id'] on the Stripe customer, set by
// the checkout flow that lives outside this service.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	registry  billing.PlanRegistry
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// be kept short; retries happen above it.
func NewStripeClient(httpClient *http.Client, registry billing.PlanRegistry, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"LexCredit/1.0",
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		registry:  registry,
		logger:    logger,
	}
}

// GetSubscription resolves the user's Stripe customer via metadata search,
// then fetches the newest subscription on that customer. Returns (nil, nil)
// when the user has no customer or no subscription at Stripe.
func (s *StripeClient) GetSubscription(ctx context.Context, userID string) (*types.SubscriptionState, error) {
	customerID, err := s.findCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription list",
			err,
		)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}

	return s.toSubscriptionState(userID, &list.Data[0]), nil
}

// findCustomer returns the Stripe customer ID carrying metadata
// user_id == userID, or "" if none exists.
func (s *StripeClient) findCustomer(ctx context.Context, userID string) (string, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['user_id']:'%s'", userID))

	resp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "findCustomer")
	}

	var result stripeSearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}
	if len(result.Data) == 0 {
		return "", nil
	}
	return result.Data[0].ID, nil
}

// toSubscriptionState maps a Stripe subscription to the local mirror shape.
// The plan tier comes from subscription metadata, falling back to the price
// lookup key; limits are filled from the plan registry so the mirror is
// self-contained for the status view.
func (s *StripeClient) toSubscriptionState(userID string, sub *stripeSubscription) *types.SubscriptionState {
	plan := types.PlanTier(sub.Metadata["plan"])
	if plan == "" && len(sub.Items.Data) > 0 {
		plan = planFromLookupKey(sub.Items.Data[0].Price.LookupKey)
	}
	if plan == "" {
		s.logger.Warn("stripe subscription has no resolvable plan, defaulting to free",
			slog.String("user_id", userID),
			slog.String("subscription_id", sub.ID),
		)
		plan = types.PlanFree
	}

	limits := s.registry.GetLimits(plan)

	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}

	return &types.SubscriptionState{
		UserID:              userID,
		Plan:                plan,
		Status:              mapStripeStatus(sub.Status),
		MonthlyCaseLimit:    limits.MaxCasesPerMonth,
		MonthlyCreditRefill: limits.MonthlyCreditRefill,
		CurrentPeriodEnd:    periodEnd,
		UpdatedAt:           time.Now().UTC(),
	}
}

// planFromLookupKey maps Stripe price lookup keys ("lexcredit_pro_monthly")
// to plan tiers.
func planFromLookupKey(key string) types.PlanTier {
	switch {
	case strings.Contains(key, "unlimited"):
		return types.PlanUnlimited
	case strings.Contains(key, "pro"):
		return types.PlanPro
	case strings.Contains(key, "starter"):
		return types.PlanStarter
	default:
		return ""
	}
}

// mapStripeStatus folds Stripe's subscription statuses onto the local enum.
// The incomplete states read as unpaid: access control treats them the same.
func mapStripeStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	case "unpaid", "incomplete", "incomplete_expired", "paused":
		return types.SubStatusUnpaid
	default:
		return types.SubStatusCanceled
	}
}

// --- HTTP helpers ---

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	return s.base.Do(req)
}

// handleErrorResponse reads a Stripe error body and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		body = nil
	}

	var stripeErr stripeErrorResponse
	message := fmt.Sprintf("stripe %s failed with status %d", operation, resp.StatusCode)
	if json.Unmarshal(body, &stripeErr) == nil && stripeErr.Error.Message != "" {
		message = fmt.Sprintf("stripe %s: %s", operation, stripeErr.Error.Message)
	}

	s.logger.Warn("stripe API error",
		slog.String("operation", operation),
		slog.Int("status", resp.StatusCode),
		slog.String("stripe_code", stripeErr.Error.Code),
	)

	return types.NewAppError(types.ErrCodeUpstreamBilling, message, nil)
}

// --- Stripe wire shapes (the subset this client reads) ---

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeCustomer struct {
	ID string `json:"id"`
}

type stripeSearchResult struct {
	Data []stripeCustomer `json:"data"`
}

type stripeSubscription struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price struct {
				LookupKey string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionList struct {
	Data []stripeSubscription `json:"data"`
}
