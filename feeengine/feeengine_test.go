package feeengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

type fakeTokenStore struct {
	issued map[string][]byte
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{issued: make(map[string][]byte)}
}

func (f *fakeTokenStore) Put(_ context.Context, payload []byte, _ time.Duration) (string, error) {
	token := uuid.New().String()
	f.issued[token] = payload
	return token, nil
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestResolveCardFeeCalculation(t *testing.T) {
	store := ruledb.New()
	rule := ruledb.FeeRule{
		RuleID:        uuid.New(),
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductCreditCard,
		Discriminators: ruledb.Discriminators{
			ChargeType:   "ISSUANCE_ANNUAL_PRIMARY",
			CardCategory: "DEBIT",
			CardNetwork:  "MASTERCARD",
			CardProduct:  "World RFCD",
		},
		Fee:      ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromFloat(11.5), Currency: "USD"},
		Basis:    ruledb.BasisPerYear,
		Priority: 1,
		Status:   ruledb.StatusActive,
	}
	if err := store.Insert(rule); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(store, newFakeTokenStore(), 15*time.Minute)
	res, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductCreditCard,
		Discriminators: rule.Discriminators,
		AsOf:           mustDate("2026-02-15"),
		Currency:       "USD",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != ResultCalculated {
		t.Fatalf("expected calculated, got %s", res.Kind)
	}
	if !res.Amount.Equal(decimal.NewFromFloat(11.5)) {
		t.Fatalf("expected 11.5, got %s", res.Amount)
	}
	if res.Currency != "USD" || res.Basis != ruledb.BasisPerYear {
		t.Fatalf("unexpected currency/basis: %s %s", res.Currency, res.Basis)
	}
}

func TestResolveWhicheverHigherATMWithdrawal(t *testing.T) {
	store := ruledb.New()
	rule := ruledb.FeeRule{
		RuleID:        uuid.New(),
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductCreditCard,
		Discriminators: ruledb.Discriminators{
			ChargeType: "CASH_WITHDRAWAL_EBL_ATM",
		},
		Fee: ruledb.FeeValue{
			Kind:     ruledb.FeePercentage,
			Amount:   decimal.NewFromFloat(0.025),
			MinCap:   decimal.NewFromInt(345),
			HasMin:   true,
			Currency: "BDT",
		},
		Basis:     ruledb.BasisPerTransaction,
		Condition: ruledb.ConditionWhicheverHigher,
		Priority:  1,
		Status:    ruledb.StatusActive,
	}
	if err := store.Insert(rule); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(store, newFakeTokenStore(), 15*time.Minute)
	res, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductCreditCard,
		Discriminators: rule.Discriminators,
		AsOf:           mustDate("2026-03-01"),
		Amount:         decimal.NewFromInt(20000),
		HasAmount:      true,
		Currency:       "BDT",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != ResultCalculated {
		t.Fatalf("expected calculated, got %s", res.Kind)
	}
	if !res.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500 (20000*2.5%% > 345 min), got %s", res.Amount)
	}
}

func TestResolveTieredProcessingFee(t *testing.T) {
	store := ruledb.New()
	rule := ruledb.FeeRule{
		RuleID:        uuid.New(),
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductRetailAsset,
		Discriminators: ruledb.Discriminators{
			LoanProduct: "FAST_CASH_OD",
			ChargeType:  "PROCESSING_FEE",
		},
		Fee: ruledb.FeeValue{
			Kind: ruledb.FeeTiered,
			Tiers: []ruledb.Tier{
				{ThresholdUpTo: decimal.NewFromInt(5000000), Rate: decimal.NewFromFloat(0.00575), Cap: decimal.NewFromInt(17250), Unit: "BDT"},
				{ThresholdUpTo: decimal.NewFromInt(999999999), Rate: decimal.NewFromFloat(0.00345), Cap: decimal.NewFromInt(23000), Unit: "BDT"},
			},
		},
		Basis:    ruledb.BasisPerTransaction,
		Priority: 1,
		Status:   ruledb.StatusActive,
	}
	if err := store.Insert(rule); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(store, newFakeTokenStore(), 15*time.Minute)
	res, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductRetailAsset,
		Discriminators: rule.Discriminators,
		AsOf:           mustDate("2026-03-01"),
		Amount:         decimal.NewFromInt(4000000),
		HasAmount:      true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != ResultCalculated {
		t.Fatalf("expected calculated, got %s", res.Kind)
	}
	if !res.Amount.Equal(decimal.NewFromInt(17250)) {
		t.Fatalf("expected tier cap 17250, got %s", res.Amount)
	}
}

func TestResolveDisambiguation(t *testing.T) {
	store := ruledb.New()
	base := ruledb.FeeRule{
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductRetailAsset,
		Fee:           ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromInt(100), Currency: "BDT"},
		Basis:         ruledb.BasisPerTransaction,
		Priority:      1,
		Status:        ruledb.StatusActive,
	}
	onLimit := base
	onLimit.RuleID = uuid.New()
	onLimit.Discriminators = ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_LIMIT"}

	onEnhanced := base
	onEnhanced.RuleID = uuid.New()
	onEnhanced.Discriminators = ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_ENHANCED_AMOUNT"}

	if err := store.Insert(onLimit); err != nil {
		t.Fatalf("insert onLimit: %v", err)
	}
	if err := store.Insert(onEnhanced); err != nil {
		t.Fatalf("insert onEnhanced: %v", err)
	}

	tokens := newFakeTokenStore()
	r := New(store, tokens, 15*time.Minute)
	res, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductRetailAsset,
		Discriminators: ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE"},
		AsOf:           mustDate("2026-03-01"),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != ResultNeedsDisambiguation {
		t.Fatalf("expected needs-disambiguation, got %s", res.Kind)
	}
	if len(res.Options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(res.Options))
	}
	if res.Token == "" {
		t.Fatal("expected a non-empty token")
	}
	if _, ok := tokens.issued[res.Token]; !ok {
		t.Fatal("token was not actually stored")
	}
}

func TestResolveDisambiguationThenResume(t *testing.T) {
	store := ruledb.New()
	base := ruledb.FeeRule{
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductRetailAsset,
		Fee:           ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromInt(100), Currency: "BDT"},
		Basis:         ruledb.BasisPerTransaction,
		Priority:      1,
		Status:        ruledb.StatusActive,
	}
	onLimit := base
	onLimit.RuleID = uuid.New()
	onLimit.Discriminators = ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_LIMIT"}

	onEnhanced := base
	onEnhanced.RuleID = uuid.New()
	onEnhanced.Fee = ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromInt(250), Currency: "BDT"}
	onEnhanced.Discriminators = ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_ENHANCED_AMOUNT"}

	if err := store.Insert(onLimit); err != nil {
		t.Fatalf("insert onLimit: %v", err)
	}
	if err := store.Insert(onEnhanced); err != nil {
		t.Fatalf("insert onEnhanced: %v", err)
	}

	tokens := newFakeTokenStore()
	r := New(store, tokens, 15*time.Minute)
	first, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductRetailAsset,
		Discriminators: ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE"},
		AsOf:           mustDate("2026-03-01"),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Kind != ResultNeedsDisambiguation {
		t.Fatalf("expected needs-disambiguation, got %s", first.Kind)
	}

	payload, ok := tokens.issued[first.Token]
	if !ok {
		t.Fatal("token was not actually stored")
	}

	choiceIndex := -1
	for i, opt := range first.Options {
		if opt.Discriminators.ChargeContext == "ON_ENHANCED_AMOUNT" {
			choiceIndex = i
		}
	}
	if choiceIndex == -1 {
		t.Fatal("expected an option for ON_ENHANCED_AMOUNT")
	}

	resumed, err := r.Resume(context.Background(), payload, choiceIndex)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Kind != ResultCalculated {
		t.Fatalf("expected calculated, got %s", resumed.Kind)
	}
	if !resumed.Amount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected 250, got %s", resumed.Amount)
	}
	if resumed.RuleID != onEnhanced.RuleID {
		t.Fatalf("expected onEnhanced rule to be selected, got %s", resumed.RuleID)
	}
}

func TestResumeRejectsOutOfRangeChoice(t *testing.T) {
	store := ruledb.New()
	base := ruledb.FeeRule{
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductRetailAsset,
		Fee:           ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromInt(100), Currency: "BDT"},
		Basis:         ruledb.BasisPerTransaction,
		Priority:      1,
		Status:        ruledb.StatusActive,
	}
	onLimit := base
	onLimit.RuleID = uuid.New()
	onLimit.Discriminators = ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_LIMIT"}

	onEnhanced := base
	onEnhanced.RuleID = uuid.New()
	onEnhanced.Discriminators = ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_ENHANCED_AMOUNT"}

	if err := store.Insert(onLimit); err != nil {
		t.Fatalf("insert onLimit: %v", err)
	}
	if err := store.Insert(onEnhanced); err != nil {
		t.Fatalf("insert onEnhanced: %v", err)
	}

	tokens := newFakeTokenStore()
	r := New(store, tokens, 15*time.Minute)
	first, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductRetailAsset,
		Discriminators: ruledb.Discriminators{LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE"},
		AsOf:           mustDate("2026-03-01"),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	payload := tokens.issued[first.Token]

	if _, err := r.Resume(context.Background(), payload, len(first.Options)); err == nil {
		t.Fatal("expected error for out-of-range choice index")
	}
	if _, err := r.Resume(context.Background(), payload, -1); err == nil {
		t.Fatal("expected error for negative choice index")
	}
}

func TestResolveNoteDeferred(t *testing.T) {
	store := ruledb.New()
	rule := ruledb.FeeRule{
		RuleID:        uuid.New(),
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductSkyBanking,
		Discriminators: ruledb.Discriminators{
			ChargeType: "FOREIGN_REMITTANCE_HANDLING",
		},
		Fee:      ruledb.FeeValue{Kind: ruledb.FeeNoteDeferred, NoteReference: "SCHEDULE_C_NOTE_4"},
		Basis:    ruledb.BasisPerTransaction,
		Priority: 1,
		Status:   ruledb.StatusActive,
	}
	if err := store.Insert(rule); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(store, newFakeTokenStore(), 15*time.Minute)
	res, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductSkyBanking,
		Discriminators: rule.Discriminators,
		AsOf:           mustDate("2026-03-01"),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != ResultNeedsNoteResolution {
		t.Fatalf("expected needs-note-resolution, got %s", res.Kind)
	}
	if res.NoteReference != "SCHEDULE_C_NOTE_4" {
		t.Fatalf("unexpected note reference %q", res.NoteReference)
	}
}

func TestResolveCurrencyMismatchRequiresFX(t *testing.T) {
	store := ruledb.New()
	rule := ruledb.FeeRule{
		RuleID:        uuid.New(),
		EffectiveFrom: mustDate("2026-01-01"),
		ProductLine:   ruledb.ProductCreditCard,
		Discriminators: ruledb.Discriminators{
			ChargeType: "ISSUANCE_ANNUAL_PRIMARY",
		},
		Fee:      ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromInt(500), Currency: "BDT"},
		Basis:    ruledb.BasisPerYear,
		Priority: 1,
		Status:   ruledb.StatusActive,
	}
	if err := store.Insert(rule); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := New(store, newFakeTokenStore(), 15*time.Minute)
	_, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductCreditCard,
		Discriminators: rule.Discriminators,
		AsOf:           mustDate("2026-03-01"),
		Currency:       "USD",
	})
	if err == nil {
		t.Fatal("expected an FX-required error")
	}
}

func TestResolveNotFound(t *testing.T) {
	store := ruledb.New()
	r := New(store, newFakeTokenStore(), 15*time.Minute)
	res, err := r.Resolve(context.Background(), Request{
		ProductLine:    ruledb.ProductCreditCard,
		Discriminators: ruledb.Discriminators{ChargeType: "NONEXISTENT"},
		AsOf:           mustDate("2026-03-01"),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != ResultNotFound {
		t.Fatalf("expected not_found, got %s", res.Kind)
	}
}
