package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/membermatters/billing/pkg/billing"
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
	"github.com/membermatters/billing/pkg/membership"
)

const (
	maxMemberIDLen = 255
	maxBodyBytes   = 64 * 1024

	actionResume = "resume"
	actionCancel = "cancel"

	messageNotAuthenticated    = "error.notAuthenticated"
	messageInvalidRequest      = "error.invalidRequest"
	messageMemberNotFound      = "error.memberNotFound"
	messageProviderUnavailable = "error.providerUnavailable"
	messagePlanNotFound        = "signup.planNotFound"
	messageSubscriptionFailed  = "signup.subscriptionFailed"
)

var errInvalidRequest = errors.New("invalid request")

// Handler serves the member billing endpoints
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// Routes returns the billing router. Mount it under the host's API prefix,
// for example r.Mount("/api/billing", h.Routes()).
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.config.Webhook != nil {
		r.Handle("/webhook", h.config.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireMember)

		r.Get("/tiers", h.ListTiers)
		r.Get("/card", h.SetupCard)
		r.Post("/card", h.SaveCard)
		r.Delete("/card", h.RemoveCard)
		r.Post("/plans/{planID}/signup", h.Signup)
		r.Get("/subscription", h.GetSubscription)
		r.Post("/subscription/{action}", h.ResumeOrCancel)
		r.Get("/can-signup", h.CanSignup)
		r.Post("/complete-signup", h.CompleteSignup)
		r.Post("/access-card", h.AssignAccessCard)
		r.Post("/check-induction", h.CheckInduction)
		r.Post("/skip-signup", h.SkipSignup)
	})
	return r
}

type memberIDKey struct{}

func contextWithMemberID(ctx context.Context, memberID string) context.Context {
	return context.WithValue(ctx, memberIDKey{}, memberID)
}

func memberIDFrom(r *http.Request) string {
	memberID, _ := r.Context().Value(memberIDKey{}).(string)
	return memberID
}

func (h *Handler) requireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		memberID := h.config.GetMemberID(r)
		if memberID == "" {
			h.writeFailure(w, r, http.StatusUnauthorized, messageNotAuthenticated, fmt.Errorf("member ID not found"))
			return
		}
		if len(memberID) > maxMemberIDLen {
			h.writeFailure(w, r, http.StatusBadRequest, messageInvalidRequest, fmt.Errorf("invalid member ID format"))
			return
		}
		ctx := contextWithMemberID(r.Context(), memberID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListTiers returns the visible tiers with their visible plans
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.config.Catalog.ListVisibleTiers(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list tiers: %w", err))
		return
	}

	out := make([]TierResponse, 0, len(tiers))
	for _, t := range tiers {
		tr := TierResponse{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Featured:    t.Featured,
			Plans:       make([]PlanResponse, 0, len(t.Plans)),
		}
		for _, p := range t.Plans {
			tr.Plans = append(tr.Plans, PlanResponse{
				ID:       p.ID,
				Name:     p.Name,
				Cost:     p.Cost,
				Currency: p.Currency,
				Interval: p.Interval,
			})
		}
		out = append(out, tr)
	}
	writeJSON(w, http.StatusOK, out)
}

// SetupCard returns a setup intent for adding a card
func (h *Handler) SetupCard(w http.ResponseWriter, r *http.Request) {
	secret, err := h.config.Cards.SetupIntent(r.Context(), memberIDFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupIntentResponse{ClientSecret: secret})
}

// SaveCard stores the card confirmed by the frontend
func (h *Handler) SaveCard(w http.ResponseWriter, r *http.Request) {
	var req saveCardRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.config.Cards.SaveCard(r.Context(), memberIDFrom(r), req.PaymentMethodID); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// RemoveCard detaches the member's card
func (h *Handler) RemoveCard(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Cards.RemoveCard(r.Context(), memberIDFrom(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// Signup subscribes the member to the plan in the URL
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	if err := h.validate.Var(planID, "required,max=255"); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: plan id: %w", errInvalidRequest, err))
		return
	}

	result, err := h.config.Subscriptions.CreateSubscription(r.Context(), memberIDFrom(r), planID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	switch result.Outcome {
	case billingstripe.OutcomeActive:
		writeJSON(w, http.StatusOK, ActionResponse{Success: true})
	case billingstripe.OutcomeIncomplete:
		// The frontend reads this as "card needs attention", not as a failure.
		writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: messageSubscriptionFailed})
	default:
		writeJSON(w, http.StatusOK, ActionResponse{Success: false, Message: messageSubscriptionFailed})
	}
}

// GetSubscription returns the member's subscription details
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	info, err := h.config.Subscriptions.Info(r.Context(), memberIDFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if info == nil {
		writeJSON(w, http.StatusOK, SubscriptionResponse{Success: false})
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Success: true, Subscription: info})
}

// ResumeOrCancel resumes or schedules cancellation of the member's subscription
func (h *Handler) ResumeOrCancel(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if action != actionResume && action != actionCancel {
		h.writeFailure(w, r, http.StatusNotFound, messageInvalidRequest, fmt.Errorf("unknown subscription action %q", action))
		return
	}

	ok, err := h.config.Subscriptions.ResumeOrCancel(r.Context(), memberIDFrom(r), action == actionResume)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: ok})
}

// CanSignup returns the steps the member still has to complete
func (h *Handler) CanSignup(w http.ResponseWriter, r *http.Request) {
	eligibility, err := h.config.Members.CanSignup(r.Context(), memberIDFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

// CompleteSignup activates an eligible member
func (h *Handler) CompleteSignup(w http.ResponseWriter, r *http.Request) {
	result, err := h.config.Members.CompleteSignup(r.Context(), memberIDFrom(r))
	if errors.Is(err, billing.ErrExistingMember) {
		writeJSON(w, http.StatusOK, membership.CompleteSignupResult{Success: false, Message: billing.ErrExistingMember.Key})
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AssignAccessCard stores the member's access card number
func (h *Handler) AssignAccessCard(w http.ResponseWriter, r *http.Request) {
	var req accessCardRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.config.Members.AssignAccessCard(r.Context(), memberIDFrom(r), req.AccessCard); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// CheckInduction scores the member's induction course
func (h *Handler) CheckInduction(w http.ResponseWriter, r *http.Request) {
	result, err := h.config.Members.CheckInduction(r.Context(), memberIDFrom(r))
	if errors.Is(err, membership.ErrInductionUnavailable) {
		h.config.Logger.Warn("induction check requested but not configured", billing.F("member_id", memberIDFrom(r)))
		writeJSON(w, http.StatusOK, membership.InductionResult{})
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SkipSignup keeps the member as an account without a membership
func (h *Handler) SkipSignup(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Members.SkipSignup(r.Context(), memberIDFrom(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// decode reads a JSON body into dst, trims its string fields and validates it
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	switch req := dst.(type) {
	case *saveCardRequest:
		req.PaymentMethodID = strings.TrimSpace(req.PaymentMethodID)
	case *accessCardRequest:
		req.AccessCard = strings.TrimSpace(req.AccessCard)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	return nil
}

// handleError maps domain errors to HTTP responses
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var ruleErr *billing.RuleError
	var signupErr *billingstripe.SignupError

	switch {
	case errors.Is(err, errInvalidRequest):
		h.writeFailure(w, r, http.StatusBadRequest, messageInvalidRequest, err)
	case errors.As(err, &ruleErr):
		h.writeFailure(w, r, ruleStatus(ruleErr), ruleErr.Key, err)
	case errors.Is(err, billing.ErrMemberNotFound):
		h.writeFailure(w, r, http.StatusNotFound, messageMemberNotFound, err)
	case errors.Is(err, billing.ErrPlanNotFound):
		h.writeFailure(w, r, http.StatusNotFound, messagePlanNotFound, err)
	case errors.Is(err, billing.ErrTransient):
		h.config.Logger.Warn("billing provider unavailable", billing.F("path", r.URL.Path), billing.F("error", err))
		h.writeFailure(w, r, http.StatusServiceUnavailable, messageProviderUnavailable, err)
	case errors.As(err, &signupErr):
		h.config.Reporter.Report(r.Context(), err,
			billing.F("member_id", memberIDFrom(r)),
			billing.F("reason", string(signupErr.Reason)),
		)
		var message *string
		if signupErr.Reason == billingstripe.ReasonEnvironmentMismatch {
			if msg := signupErr.ProviderMessage(); msg != "" {
				message = &msg
			}
		}
		h.writeError(w, r, http.StatusInternalServerError, FailureResponse{Success: false, Message: message}, err)
	default:
		h.config.Reporter.Report(r.Context(), err, billing.F("path", r.URL.Path), billing.F("member_id", memberIDFrom(r)))
		h.writeError(w, r, http.StatusInternalServerError, FailureResponse{Success: false}, err)
	}
}

func ruleStatus(err *billing.RuleError) int {
	switch err {
	case billing.ErrExistingPlan, billing.ErrSignupInProgress:
		return http.StatusConflict
	case billing.ErrPlanNotExists:
		return http.StatusNotFound
	case billing.ErrExistingMember:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	h.writeError(w, r, statusCode, ActionResponse{Success: false, Message: message}, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, statusCode int, body interface{}, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, body)
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	// The status line is already sent; an encode failure means the client went away.
	_ = json.NewEncoder(w).Encode(body)
}
