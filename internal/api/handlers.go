package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"travelkit/internal/engine"
	"travelkit/internal/workflow"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"version": s.version,
		"ok":      true,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg)
}

// handleSetConfig patches config sections and persists them as
// overrides. The whole patch is rejected when validation fails.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	updated := *s.cfg
	targets := map[string]interface{}{
		"clustering": &updated.Clustering,
		"compat":     &updated.Compat,
		"pricing":    &updated.Pricing,
		"optimizer":  &updated.Optimizer,
		"workflow":   &updated.Workflow,
	}
	for section, target := range targets {
		if v, ok := patch[section]; ok {
			if err := json.Unmarshal(v, target); err != nil {
				writeError(w, 400, "invalid "+section+" section")
				return
			}
		}
	}
	if err := updated.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}

	*s.cfg = updated
	if err := s.db.SaveConfigOverrides(s.cfg); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, s.cfg)
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	dests, err := s.db.ListActiveDestinations()
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	if dests == nil {
		dests = []engine.Destination{}
	}
	writeJSON(w, dests)
}

func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	var dest engine.Destination
	if err := json.NewDecoder(r.Body).Decode(&dest); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if dest.Name == "" || dest.BasePrice <= 0 {
		writeError(w, 400, "name and positive base_price required")
		return
	}
	if dest.MaxDiscount <= 0 {
		dest.MaxDiscount = s.cfg.Pricing.MaxDiscount
	}
	dest.Active = true
	id, err := s.db.CreateDestination(dest)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	dest.ID = id
	writeJSON(w, dest)
}

func (s *Server) handleCreateInterest(w http.ResponseWriter, r *http.Request) {
	var it engine.Interest
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	id, err := s.svc.Intake(r.Context(), it)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	stored, err := s.db.GetInterest(id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, stored)
}

func (s *Server) handleGetInterest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	it, err := s.db.GetInterest(id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, it)
}

// handleCluster triggers a clustering pass, for one destination or all.
func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DestinationID int64 `json:"destination_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, "invalid json")
			return
		}
	}
	now := time.Now()
	if req.DestinationID != 0 {
		res, err := s.svc.ClusterDestination(r.Context(), req.DestinationID, now)
		if err != nil {
			writeWorkflowError(w, err)
			return
		}
		writeJSON(w, res)
		return
	}
	results, err := s.svc.ClusterAll(r.Context(), now)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.OptimizeGroups(r.Context(), time.Now())
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	report, err := s.svc.StatusReport(r.Context(), id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	if err := s.svc.InitiateConfirmation(r.Context(), id); err != nil {
		writeWorkflowError(w, err)
		return
	}
	g, err := s.db.GetGroup(id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, g)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	status, err := s.svc.FinalizeGroup(r.Context(), id, force)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	if err := s.svc.CancelGroup(r.Context(), id, req.Reason); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": engine.GroupCancelled})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	var req struct {
		InterestID int64 `json:"interest_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InterestID == 0 {
		writeError(w, 400, "interest_id required")
		return
	}
	if err := s.svc.AddMember(r.Context(), id, req.InterestID); err != nil {
		writeWorkflowError(w, err)
		return
	}
	report, err := s.svc.StatusReport(r.Context(), id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}
	interestID, err := pathID(r, "interestID")
	if err != nil {
		writeError(w, 400, "invalid interest id")
		return
	}
	if err := s.svc.RemoveMember(r.Context(), id, interestID); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "removed"})
}

func (s *Server) handleConfirmReply(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	var req struct {
		Confirmed *bool  `json:"confirmed"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Confirmed == nil {
		writeError(w, 400, "confirmed (true/false) required")
		return
	}
	res, err := s.svc.Reply(r.Context(), token, *req.Confirmed, req.Reason)
	if errors.Is(err, workflow.ErrAlreadyResponded) {
		// The conflict body carries the original payment intent so the
		// caller can reconcile a duplicate accept.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(struct {
			Error           string  `json:"error"`
			PaymentIntentID string  `json:"payment_intent_id,omitempty"`
			DepositAmount   float64 `json:"deposit_amount,omitempty"`
		}{err.Error(), res.PaymentIntentID, res.DepositAmount})
		return
	}
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, res)
}

// handlePaymentWebhook verifies the provider signature before touching
// any payment state.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, 400, "unreadable body")
		return
	}
	if !s.payments.VerifyWebhook(body, r.Header.Get("X-Signature")) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}
	var event struct {
		Event          string `json:"event"`
		ConfirmationID int64  `json:"confirmation_id"`
		IntentID       string `json:"intent_id"`
		TxID           string `json:"tx_id"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	switch event.Event {
	case "payment.succeeded":
		err = s.db.SetPaymentState(event.ConfirmationID, engine.PaymentPaid, event.IntentID, event.TxID)
	case "payment.failed":
		err = s.db.SetPaymentState(event.ConfirmationID, engine.PaymentFailed, event.IntentID, "")
	case "refund.succeeded":
		err = s.db.SetPaymentState(event.ConfirmationID, engine.PaymentRefunded, event.IntentID, event.TxID)
	default:
		writeError(w, 400, "unknown event")
		return
	}
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "destinationID")
	if err != nil {
		writeError(w, 400, "invalid destination id")
		return
	}
	stats, err := s.svc.Stats(r.Context(), id)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, stats)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}
