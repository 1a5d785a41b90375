package http

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/app"
	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/voice"
)

// API holds the handlers of the authenticated /api routes.
type API struct {
	orch    *app.Orchestrator
	voices  *app.VoiceService
	ledger  *app.LedgerService
	billing *app.BillingService
	maxBody int64
	logger  zerolog.Logger
}

// Mount registers the user routes on r. r must already require auth.
func (a *API) Mount(r chi.Router) {
	r.Post("/generate", a.Generate)
	r.Get("/generations/{id}/audio", a.GenerationAudio)

	r.Get("/tasks/{id}", a.GetTask)
	r.Post("/tasks/{id}/cancel", a.CancelTask)
	r.Delete("/tasks/{id}", a.DeleteTask)

	r.Get("/voices", a.ListVoices)
	r.Post("/voices/design/preview", a.DesignPreview)
	r.Post("/voices/design", a.SaveDesign)
	r.Post("/clone/upload-url", a.CloneUploadURL)
	r.Post("/clone/finalize", a.CloneFinalize)

	r.Get("/credits", a.Credits)
	r.Get("/credits/usage", a.CreditsUsage)

	if a.billing != nil {
		r.Post("/billing/checkout", a.Checkout)
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, a.logger, err)
}

// Generate starts a speech generation.
func (a *API) Generate(w http.ResponseWriter, r *http.Request) {
	var req app.GenerateRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.orch.CreateGeneration(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// GetTask returns the poll view of a task.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	v, err := a.orch.Poll(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CancelTask requests cancellation of an active task.
func (a *API) CancelTask(w http.ResponseWriter, r *http.Request) {
	v, err := a.orch.Cancel(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DeleteTask removes a finished task.
func (a *API) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Delete(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GenerationAudio redirects to a short-lived download URL.
func (a *API) GenerationAudio(w http.ResponseWriter, r *http.Request) {
	url, err := a.orch.GenerationAudioURL(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// ListVoices lists the caller's voices.
func (a *API) ListVoices(w http.ResponseWriter, r *http.Request) {
	list, err := a.voices.List(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []voice.View{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": list})
}

// DesignPreview starts a voice design preview.
func (a *API) DesignPreview(w http.ResponseWriter, r *http.Request) {
	var req app.DesignPreviewRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.orch.CreateDesignPreview(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// SaveDesign stores a completed preview as a voice.
func (a *API) SaveDesign(w http.ResponseWriter, r *http.Request) {
	var req app.SaveDesignRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	v, err := a.voices.SaveDesign(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CloneUploadURL issues an upload URL for reference audio.
func (a *API) CloneUploadURL(w http.ResponseWriter, r *http.Request) {
	var req app.CloneRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	ticket, err := a.voices.CreateUploadURL(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// CloneFinalize creates the cloned voice once its audio is uploaded.
func (a *API) CloneFinalize(w http.ResponseWriter, r *http.Request) {
	var req app.CloneRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	v, err := a.voices.FinalizeClone(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type creditsResponse struct {
	CreditUnit     string               `json:"credit_unit"`
	Balance        int64                `json:"balance"`
	MonthlyCredits int64                `json:"monthly_credits"`
	Trials         trialsResponse       `json:"trials"`
	RateCard       []credit.RateCardRow `json:"rate_card"`
	Packs          []credit.Pack        `json:"packs,omitempty"`
}

type trialsResponse struct {
	DesignPreview int `json:"design_preview"`
	Clone         int `json:"clone"`
}

// Credits returns balance, remaining trials and prices.
func (a *API) Credits(w http.ResponseWriter, r *http.Request) {
	acct, err := a.ledger.Account(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := creditsResponse{
		CreditUnit:     credit.UnitLabel,
		Balance:        acct.Balance,
		MonthlyCredits: a.ledger.MonthlyAllowance(),
		Trials: trialsResponse{
			DesignPreview: acct.Trials[ledger.OpDesignPreview],
			Clone:         acct.Trials[ledger.OpClone],
		},
		RateCard: credit.RateCard,
	}
	if a.billing != nil {
		resp.Packs = a.billing.Packs()
	}
	writeJSON(w, http.StatusOK, resp)
}

type usageEvent struct {
	ID            int64          `json:"id"`
	EventKind     ledger.Kind    `json:"event_kind"`
	Operation     string         `json:"operation"`
	Amount        int64          `json:"amount"`
	SignedAmount  int64          `json:"signed_amount"`
	BalanceAfter  int64          `json:"balance_after"`
	ReferenceType string         `json:"reference_type"`
	ReferenceID   string         `json:"reference_id,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

type usageTotals struct {
	Debited  int64 `json:"debited"`
	Credited int64 `json:"credited"`
	Net      int64 `json:"net"`
}

type usageResponse struct {
	CreditUnit string               `json:"credit_unit"`
	WindowDays int                  `json:"window_days"`
	Balance    int64                `json:"balance"`
	Usage      usageTotals          `json:"usage"`
	RateCard   []credit.RateCardRow `json:"rate_card"`
	Events     []usageEvent         `json:"events"`
}

// CreditsUsage sums ledger movement over window_days (default 30).
func (a *API) CreditsUsage(w http.ResponseWriter, r *http.Request) {
	windowDays := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("window_days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			a.fail(w, r, &app.Error{Kind: app.ErrValidation, Detail: "window_days must be an integer", Err: err})
			return
		}
		windowDays = n
	}

	actor := ActorFrom(r.Context())
	acct, err := a.ledger.Account(r.Context(), actor)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	usage, err := a.ledger.Usage(r.Context(), actor, windowDays)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp := usageResponse{
		CreditUnit: credit.UnitLabel,
		WindowDays: usage.WindowDays,
		Balance:    acct.Balance,
		Usage: usageTotals{
			Debited:  usage.Totals.Debited,
			Credited: usage.Totals.Credited,
			Net:      usage.Totals.Net,
		},
		RateCard: credit.RateCard,
		Events:   make([]usageEvent, 0, len(usage.Events)),
	}
	for _, e := range usage.Events {
		md := e.Metadata
		if md == nil {
			md = map[string]any{}
		}
		resp.Events = append(resp.Events, usageEvent{
			ID:            e.ID,
			EventKind:     e.Kind,
			Operation:     string(e.Operation),
			Amount:        e.Amount,
			SignedAmount:  e.SignedAmount,
			BalanceAfter:  e.BalanceAfter,
			ReferenceType: string(e.ReferenceType),
			ReferenceID:   e.ReferenceID,
			Metadata:      md,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Checkout starts a hosted checkout for a credit pack.
func (a *API) Checkout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackID string `json:"pack_id"`
	}
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	url, err := a.billing.CreateCheckout(r.Context(), ActorFrom(r.Context()), strings.TrimSpace(req.PackID))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// PaymentWebhook applies a signed payment processor event. Once the event
// is recorded the answer is 200, whatever the outcome.
func (a *API) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid webhook payload.")
		return
	}
	res, err := a.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
