package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/arcanahq/turnstile/internal/ledger"
	"github.com/arcanahq/turnstile/internal/payments"
	"github.com/arcanahq/turnstile/internal/reading"
)

// handleToken exchanges an API key for a session token.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	token, err := h.sessions.IssueSession(r.Context(), req.APIKey)
	if err != nil {
		// Wrong key and missing user look identical on purpose.
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":              token,
		"expires_in_seconds": int(h.sessions.SessionTTL().Seconds()),
	})
}

// handleMe returns the profile and turn snapshot.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userFrom(r)

	body := map[string]interface{}{
		"id":                  user.ID.String(),
		"handle":              user.Handle,
		"subscription_status": string(user.SubscriptionStatus),
		"is_admin":            user.Admin,
		"last_free_reset":     user.LastFreeReset,
	}
	addTurnFields(body, user.Turns())
	writeJSON(w, http.StatusOK, body)
}

// handleReading serves the billable reading endpoints. tag distinguishes
// plain readings from chat-driven ones in the audit trail.
func (h *Handler) handleReading(tag string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		user := userFrom(r)

		var req struct {
			Question string `json:"question"`
			Cards    int    `json:"cards"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Cards < 0 || req.Cards > reading.MaxCards {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("cards must be between 0 and %d", reading.MaxCards))
			return
		}

		decision, err := h.gate.Admit(r.Context(), user, tag)
		if err != nil {
			h.projectError(w, err)
			return
		}
		if !decision.Allowed {
			body := map[string]interface{}{
				"message": "no turns remaining; purchase a turn pack to continue",
			}
			addTurnFields(body, decision.Remaining)
			writeJSON(w, http.StatusPaymentRequired, body)
			return
		}

		// The turn is spent from here on. A producer failure is a service
		// fault the client may retry; compensation for charged-but-failed
		// requests is the explicit admin credit.
		result, err := h.producer.Produce(r.Context(), reading.Request{
			Question: req.Question,
			Cards:    req.Cards,
		})
		if err != nil {
			h.log.Error().Err(err).Str("user_id", user.ID.String()).
				Msg("reading producer failed after debit")
			writeError(w, http.StatusInternalServerError, "reading could not be produced")
			return
		}

		body := map[string]interface{}{"reading": result}
		addTurnFields(body, decision.Remaining)
		writeJSON(w, http.StatusOK, body)
	}
}

// handlePaymentSubmit runs a payment claim through verification and credit.
//
// Business verdicts - rejected, duplicate - answer 200 with success=false:
// the service worked, the payment did not. Only infrastructure faults reach
// 5xx.
func (h *Handler) handlePaymentSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userFrom(r)

	var req struct {
		TransactionHash string      `json:"transaction_hash"`
		ProductVariant  string      `json:"product_variant"`
		ClaimedAmount   json.Number `json:"claimed_amount"`
		WalletAddress   string      `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !isHexBytes(req.TransactionHash, 32) {
		writeError(w, http.StatusBadRequest, "transaction_hash must be a 0x-prefixed 32-byte hex string")
		return
	}
	if !isHexBytes(req.WalletAddress, 20) {
		writeError(w, http.StatusBadRequest, "wallet_address must be a 0x-prefixed 20-byte hex string")
		return
	}
	if req.ClaimedAmount != "" {
		if _, err := decimal.NewFromString(req.ClaimedAmount.String()); err != nil {
			writeError(w, http.StatusBadRequest, "claimed_amount must be a decimal number")
			return
		}
	}

	outcome, err := h.payments.Submit(r.Context(), payments.Submission{
		UserID:        user.ID,
		TxHash:        req.TransactionHash,
		Variant:       req.ProductVariant,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		h.projectError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentResponse(outcome))
}

func paymentResponse(outcome *payments.Outcome) map[string]interface{} {
	resp := map[string]interface{}{
		"success":              false,
		"transaction_verified": outcome.Verified,
		"turns_added":          outcome.TurnsAdded,
		"transaction_hash":     outcome.TxHash,
	}

	switch outcome.Status {
	case payments.OutcomeCredited:
		resp["success"] = true
		resp["message"] = fmt.Sprintf("payment verified, %d turns added", outcome.TurnsAdded)
	case payments.OutcomeDuplicate:
		resp["message"] = outcome.Reason
	default:
		resp["message"] = outcome.Reason
	}
	return resp
}

// addTurnFields writes the wire names for a turn snapshot into body.
// Premium users report unlimited alongside their (unconsumed) counters.
func addTurnFields(body map[string]interface{}, t ledger.Turns) {
	body["remaining_free_turns"] = t.Free
	body["remaining_paid_turns"] = t.Paid
	body["total_remaining_turns"] = t.Total()
	if t.Unlimited {
		body["unlimited"] = true
	}
}

// isHexBytes reports whether s is a 0x-prefixed hex string encoding exactly
// n bytes.
func isHexBytes(s string, n int) bool {
	if len(s) != 2+2*n || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
