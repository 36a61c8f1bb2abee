// Package feeengine implements the Fee Resolver (C2): it turns a rule
// lookup into a typed, deterministic monetary answer, never inventing a
// number the rule table does not support.
package feeengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/errs"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

// TokenStore is the subset of the disambiguation store (C6) the resolver
// needs: stash a payload under a fresh single-use token.
type TokenStore interface {
	Put(ctx context.Context, payload []byte, ttl time.Duration) (string, error)
}

// FallbackChargeTypes declares the specialized→generic charge_type mapping
// the resolver may retry with on NotFound (§4.2). Declared, never inferred:
// a query missing a specialized rule falls back to the same charge_context
// under the generic processing-fee charge type.
var FallbackChargeTypes = map[string]string{
	"FAST_CASH_OD_SPECIAL_PROCESSING": "PROCESSING_FEE",
	"OD_RENEWAL_SPECIAL_PROCESSING":   "PROCESSING_FEE",
}

// ResultKind discriminates Result.
type ResultKind string

const (
	ResultCalculated          ResultKind = "calculated"
	ResultNeedsNoteResolution ResultKind = "needs_note_resolution"
	ResultNeedsDisambiguation ResultKind = "needs_disambiguation"
	ResultNotFound            ResultKind = "not_found"
)

// Option is one disambiguation candidate surfaced to the caller.
type Option struct {
	Label          string                `json:"label"`
	Discriminators ruledb.Discriminators `json:"discriminators"`
}

// Result is the tagged union returned by Resolve (§4.2).
type Result struct {
	Kind ResultKind

	// ResultCalculated
	Amount   decimal.Decimal
	Currency string
	Basis    ruledb.FeeBasis
	RuleID   uuid.UUID
	Remark   string

	// ResultNeedsNoteResolution
	NoteReference string

	// ResultNeedsDisambiguation
	Token   string
	Options []Option
}

// Request carries everything the resolver needs to answer a single query.
type Request struct {
	ProductLine    ruledb.ProductLine
	Discriminators ruledb.Discriminators
	AsOf           time.Time

	Amount    decimal.Decimal
	HasAmount bool

	UsageIndex    int
	HasUsageIndex bool

	// Currency is the caller's declared currency, if any. Empty means
	// "accept whatever the matched rule is denominated in".
	Currency string
}

// Resolver implements the Fee Resolver (C2) over a Rule Store (C1).
type Resolver struct {
	store         *ruledb.Store
	tokens        TokenStore
	tokenTTL      time.Duration
	fallbackTable map[string]string
}

// New builds a Resolver. tokenTTL bounds how long a disambiguation token
// issued by this resolver stays redeemable.
func New(store *ruledb.Store, tokens TokenStore, tokenTTL time.Duration) *Resolver {
	return &Resolver{
		store:         store,
		tokens:        tokens,
		tokenTTL:      tokenTTL,
		fallbackTable: FallbackChargeTypes,
	}
}

// Resolve answers req against the rule store, per §4.2.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	cands := r.store.Candidates(req.ProductLine, req.Discriminators, req.AsOf)
	if len(cands) == 0 {
		if fb, ok := fallbackDiscriminators(req.Discriminators, r.fallbackTable); ok {
			cands = r.store.Candidates(req.ProductLine, fb, req.AsOf)
		}
	}
	return r.evaluate(ctx, cands, req)
}

func fallbackDiscriminators(d ruledb.Discriminators, table map[string]string) (ruledb.Discriminators, bool) {
	generic, ok := table[d.ChargeType]
	if !ok {
		return ruledb.Discriminators{}, false
	}
	d.ChargeType = generic
	return d, true
}

func (r *Resolver) evaluate(ctx context.Context, cands []ruledb.FeeRule, req Request) (Result, error) {
	if len(cands) == 0 {
		return Result{Kind: ResultNotFound}, nil
	}

	top := cands[0].Priority
	var tied []ruledb.FeeRule
	for _, c := range cands {
		if c.Priority != top {
			break
		}
		tied = append(tied, c)
	}

	if len(tied) > 1 {
		return r.disambiguate(ctx, tied, req)
	}

	rule := cands[0]
	if rule.Fee.Kind == ruledb.FeeFreeUpToN {
		if req.HasUsageIndex && req.UsageIndex <= rule.Fee.FreeUpToN {
			currency, err := r.resolveCurrency(rule, req)
			if err != nil {
				return Result{}, err
			}
			return Result{Kind: ResultCalculated, Amount: decimal.Zero, Currency: currency, Basis: rule.Basis, RuleID: rule.RuleID}, nil
		}
		// Usage exhausted: fall through to the next-priority matching rule
		// (§8 boundary behavior: free-upto-N evaluates the next rule at N+1).
		return r.evaluate(ctx, cands[1:], req)
	}

	return r.computeValue(rule, req)
}

// disambiguationPayload is what gets stashed behind a token: enough of the
// original request to re-run Resolve once the caller picks an option,
// without having to thread amount/currency/as-of back through the chat
// transport on the follow-up turn.
type disambiguationPayload struct {
	ProductLine   ruledb.ProductLine `json:"product_line"`
	AsOf          time.Time          `json:"as_of"`
	Amount        decimal.Decimal    `json:"amount"`
	HasAmount     bool               `json:"has_amount"`
	UsageIndex    int                `json:"usage_index"`
	HasUsageIndex bool               `json:"has_usage_index"`
	Currency      string             `json:"currency"`
	Options       []Option           `json:"options"`
}

func (r *Resolver) disambiguate(ctx context.Context, tied []ruledb.FeeRule, req Request) (Result, error) {
	options := make([]Option, 0, len(tied))
	for _, rule := range tied {
		options = append(options, Option{
			Label:          distinguishingLabel(tied, rule),
			Discriminators: rule.Discriminators,
		})
	}

	payload, err := json.Marshal(disambiguationPayload{
		ProductLine:   req.ProductLine,
		AsOf:          req.AsOf,
		Amount:        req.Amount,
		HasAmount:     req.HasAmount,
		UsageIndex:    req.UsageIndex,
		HasUsageIndex: req.HasUsageIndex,
		Currency:      req.Currency,
		Options:       options,
	})
	if err != nil {
		return Result{}, errs.Wrap(errs.KindClassification, "marshal disambiguation payload", err)
	}

	token, err := r.tokens.Put(ctx, payload, r.tokenTTL)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindUpstream, "store disambiguation token", err)
	}

	return Result{Kind: ResultNeedsDisambiguation, Token: token, Options: options}, nil
}

// Resume redeems a disambiguation token's payload: the caller has already
// taken payload out of the token store (single-use, §8 P7) and picked
// choiceIndex from the options it was shown. Resume re-runs Resolve with
// that option's discriminators pinned, which is now an exact, unambiguous
// match.
func (r *Resolver) Resume(ctx context.Context, payload []byte, choiceIndex int) (Result, error) {
	var p disambiguationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Result{}, errs.Wrap(errs.KindValidationFail, "decode disambiguation payload", err)
	}
	if choiceIndex < 0 || choiceIndex >= len(p.Options) {
		return Result{}, errs.New(errs.KindValidationFail, "disambiguation choice index out of range")
	}
	chosen := p.Options[choiceIndex]
	return r.Resolve(ctx, Request{
		ProductLine:    p.ProductLine,
		Discriminators: chosen.Discriminators,
		AsOf:           p.AsOf,
		Amount:         p.Amount,
		HasAmount:      p.HasAmount,
		UsageIndex:     p.UsageIndex,
		HasUsageIndex:  p.HasUsageIndex,
		Currency:       p.Currency,
	})
}

// distinguishingLabel picks the first discriminator field that varies
// across tied, preferring the most specific (charge_context) over the
// broadest (charge_type) — matches the scenario where two loan-processing
// rules differ only by charge_context (§8, scenario 4).
func distinguishingLabel(tied []ruledb.FeeRule, rule ruledb.FeeRule) string {
	fields := []func(ruledb.Discriminators) string{
		func(d ruledb.Discriminators) string { return d.ChargeContext },
		func(d ruledb.Discriminators) string { return d.CardProduct },
		func(d ruledb.Discriminators) string { return d.CardNetwork },
		func(d ruledb.Discriminators) string { return d.CardCategory },
		func(d ruledb.Discriminators) string { return d.LoanProduct },
		func(d ruledb.Discriminators) string { return d.ChargeType },
	}
	for _, field := range fields {
		first := field(tied[0].Discriminators)
		varies := false
		for _, t := range tied[1:] {
			if field(t.Discriminators) != first {
				varies = true
				break
			}
		}
		if varies {
			return field(rule.Discriminators)
		}
	}
	return rule.RuleID.String()
}

func (r *Resolver) computeValue(rule ruledb.FeeRule, req Request) (Result, error) {
	switch rule.Fee.Kind {
	case ruledb.FeeNoteDeferred:
		return Result{Kind: ResultNeedsNoteResolution, NoteReference: rule.Fee.NoteReference, RuleID: rule.RuleID}, nil

	case ruledb.FeeTextual:
		return Result{Kind: ResultCalculated, Remark: rule.Fee.Text, Basis: rule.Basis, RuleID: rule.RuleID}, nil

	case ruledb.FeeFixed:
		currency, err := r.resolveCurrency(rule, req)
		if err != nil {
			return Result{}, err
		}
		amount := clampToCaps(rule.Fee.Amount, rule.Fee)
		return Result{Kind: ResultCalculated, Amount: amount, Currency: currency, Basis: rule.Basis, RuleID: rule.RuleID}, nil

	case ruledb.FeePercentage:
		if !req.HasAmount {
			return Result{}, errs.New(errs.KindValidationFail, "percentage fee requires a transaction amount")
		}
		currency, err := r.resolveCurrency(rule, req)
		if err != nil {
			return Result{}, err
		}
		amount := req.Amount.Mul(rule.Fee.Amount)
		if rule.Condition == ruledb.ConditionWhicheverHigher && rule.Fee.HasMin {
			if rule.Fee.MinCap.GreaterThan(amount) {
				amount = rule.Fee.MinCap
			}
		}
		amount = clampToCaps(amount, rule.Fee)
		return Result{Kind: ResultCalculated, Amount: amount, Currency: currency, Basis: rule.Basis, RuleID: rule.RuleID}, nil

	case ruledb.FeeTiered:
		if !req.HasAmount {
			return Result{}, errs.New(errs.KindValidationFail, "tiered fee requires a transaction amount")
		}
		tier, ok := selectTier(rule.Fee.Tiers, req.Amount)
		if !ok {
			return Result{}, errs.New(errs.KindClassification, "tiered rule has no tiers")
		}
		amount := req.Amount.Mul(tier.Rate)
		if amount.GreaterThan(tier.Cap) {
			amount = tier.Cap
		}
		currency := tier.Unit
		if req.Currency != "" {
			if currency != "" && currency != req.Currency {
				return Result{}, errs.New(errs.KindFXRateRequired, fmt.Sprintf("tier is denominated in %s, caller requested %s", currency, req.Currency))
			}
			currency = req.Currency
		}
		return Result{Kind: ResultCalculated, Amount: amount, Currency: currency, Basis: rule.Basis, RuleID: rule.RuleID}, nil

	default:
		return Result{}, errs.New(errs.KindClassification, fmt.Sprintf("unhandled fee kind %q", rule.Fee.Kind))
	}
}

// selectTier picks the band whose threshold the amount falls under
// (inclusive lower-bound semantics, §8): tiers are pre-validated ascending
// by Store.Insert (I3), so the first tier whose ThresholdUpTo is not
// exceeded is the match; an amount above every threshold lands in the
// final (open-ended top) tier.
func selectTier(tiers []ruledb.Tier, amount decimal.Decimal) (ruledb.Tier, bool) {
	if len(tiers) == 0 {
		return ruledb.Tier{}, false
	}
	for _, t := range tiers {
		if !amount.GreaterThan(t.ThresholdUpTo) {
			return t, true
		}
	}
	return tiers[len(tiers)-1], true
}

func clampToCaps(amount decimal.Decimal, fee ruledb.FeeValue) decimal.Decimal {
	if fee.HasMax && amount.GreaterThan(fee.MaxCap) {
		amount = fee.MaxCap
	}
	return amount
}

// resolveCurrency implements §4.2's currency rule: prefer the caller's
// declared currency when the rule agrees with it; otherwise use the rule's
// currency; never convert — a mismatch surfaces KindFXRateRequired instead
// of silently returning a number in the wrong currency.
func (r *Resolver) resolveCurrency(rule ruledb.FeeRule, req Request) (string, error) {
	if req.Currency == "" {
		return rule.Fee.Currency, nil
	}
	if rule.Fee.Currency == "" || rule.Fee.Currency == req.Currency {
		return req.Currency, nil
	}
	return "", errs.New(errs.KindFXRateRequired, fmt.Sprintf("rule %s is denominated in %s, caller requested %s", rule.RuleID, rule.Fee.Currency, req.Currency))
}
