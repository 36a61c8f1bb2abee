package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/classifier"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/disambiguation"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/errs"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/feeengine"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/orchestrator"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

// FeesHandler serves the direct (non-conversational) Fee Resolver
// surface: a structured calculate endpoint for integrators that already
// know the discriminators, a free-text query variant for those that
// don't, and a read-only rule export for admin tooling.
type FeesHandler struct {
	store  *ruledb.Store
	resume *disambiguation.Store
	engine *feeengine.Resolver
}

// NewFeesHandler builds a FeesHandler.
func NewFeesHandler(store *ruledb.Store, disambig *disambiguation.Store, engine *feeengine.Resolver) *FeesHandler {
	return &FeesHandler{store: store, resume: disambig, engine: engine}
}

type calculateRequest struct {
	AsOfDate       string                `json:"as_of_date"`
	ProductLine    string                `json:"product_line"`
	ChargeType     string                `json:"charge_type"`
	Discriminators ruledb.Discriminators `json:"discriminators"`
	Amount         string                `json:"amount"`
	Currency       string                `json:"currency"`
	UsageIndex     *int                  `json:"usage_index"`
}

type feeResultResponse struct {
	Kind          string             `json:"kind"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency,omitempty"`
	Basis         string             `json:"basis,omitempty"`
	RuleID        string             `json:"rule_id,omitempty"`
	Remark        string             `json:"remark,omitempty"`
	NoteReference string             `json:"note_reference,omitempty"`
	Token         string             `json:"token,omitempty"`
	Options       []feeengine.Option `json:"options,omitempty"`
}

// Calculate handles POST /v1/fees/calculate: `{as_of_date, product_line?,
// charge_type, discriminators…, amount?, currency?, usage_index?}` (§6).
func (h *FeesHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}

	asOf := time.Now().UTC()
	if req.AsOfDate != "" {
		parsed, err := time.Parse("2006-01-02", req.AsOfDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "as_of_date must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}

	disc := req.Discriminators
	disc.ChargeType = req.ChargeType

	feeReq := feeengine.Request{
		ProductLine:    ruledb.ProductLine(req.ProductLine),
		Discriminators: disc,
		AsOf:           asOf,
		Currency:       req.Currency,
	}
	if req.Amount != "" {
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "amount must be a decimal string")
			return
		}
		feeReq.Amount = amt
		feeReq.HasAmount = true
	}
	if req.UsageIndex != nil {
		feeReq.UsageIndex = *req.UsageIndex
		feeReq.HasUsageIndex = true
	}

	result, err := h.engine.Resolve(r.Context(), feeReq)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeResultResponse(result))
}

type queryRequest struct {
	Text        string `json:"text"`
	Token       string `json:"token"`
	ChoiceIndex *int   `json:"choice_index"`
}

// Query handles POST /v1/fees/query: the free-text variant. A request
// carrying a previously-issued disambiguation token and choice_index
// resumes that disambiguation instead of re-classifying text (§6).
func (h *FeesHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}

	if req.Token != "" {
		if req.ChoiceIndex == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "choice_index is required when resuming a token")
			return
		}
		payload, ok, err := h.resume.Take(r.Context(), req.Token)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusGone, "token_expired", "disambiguation token is unknown or has expired")
			return
		}
		result, err := h.engine.Resume(r.Context(), payload, *req.ChoiceIndex)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toFeeResultResponse(result))
		return
	}

	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	decision := classifier.Classify(req.Text)
	if decision.Kind != classifier.KindCardFees {
		writeError(w, http.StatusUnprocessableEntity, "not_a_fee_query", "could not identify a fee discriminator in this query")
		return
	}

	feeReq := orchestrator.BuildFeeRequest(req.Text, decision.Entities, time.Now().UTC())

	result, err := h.engine.Resolve(r.Context(), feeReq)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeResultResponse(result))
}

// ListRules handles GET /v1/fees/rules: an admin read with filters (§6).
func (h *FeesHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	f := ruledb.ListFilters{
		ProductLine: ruledb.ProductLine(r.URL.Query().Get("product_line")),
		ChargeType:  r.URL.Query().Get("charge_type"),
		Status:      ruledb.Status(r.URL.Query().Get("status")),
	}
	limit := queryInt(r, "limit", 50)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	rules := h.store.List(f, limit, offset)
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *FeesHandler) writeEngineError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeError(w, errs.HTTPStatus(kind), string(kind), err.Error())
}

func toFeeResultResponse(result feeengine.Result) feeResultResponse {
	resp := feeResultResponse{
		Kind:          string(result.Kind),
		Amount:        result.Amount,
		Currency:      result.Currency,
		Basis:         string(result.Basis),
		Remark:        result.Remark,
		NoteReference: result.NoteReference,
		Token:         result.Token,
		Options:       result.Options,
	}
	if result.RuleID != uuid.Nil {
		resp.RuleID = result.RuleID.String()
	}
	return resp
}
