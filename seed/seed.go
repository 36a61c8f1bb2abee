// Package seed builds the fixed, in-process fallback data this core runs
// against when no Postgres rule table or external document store is
// configured: a handful of fee rules, a small employee directory, and an
// organizational-overview knowledge base, covering the scenarios this
// core's own tests exercise.
package seed

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/directory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/retrieval"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// FeeRules returns the master fee/charge table seed: a fixed annual card
// fee, a whichever-higher percentage fee, and a two-tier processing fee
// carried by two ON_LIMIT/ON_ENHANCED_AMOUNT rows that differ only in
// charge context on purpose, so an unqualified query disambiguates.
func FeeRules() []ruledb.FeeRule {
	return []ruledb.FeeRule{
		{
			RuleID:        uuid.New(),
			EffectiveFrom: epoch,
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
		},
		{
			RuleID:        uuid.New(),
			EffectiveFrom: epoch,
			ProductLine:   ruledb.ProductCreditCard,
			Discriminators: ruledb.Discriminators{
				ChargeType: "CASH_WITHDRAWAL_EBL_ATM",
			},
			Fee: ruledb.FeeValue{
				Kind: ruledb.FeePercentage, Amount: decimal.NewFromFloat(0.025), Currency: "BDT",
				MinCap: decimal.NewFromInt(345), HasMin: true,
			},
			Basis:     ruledb.BasisPerTransaction,
			Condition: ruledb.ConditionWhicheverHigher,
			Priority:  1,
			Status:    ruledb.StatusActive,
		},
		{
			RuleID:        uuid.New(),
			EffectiveFrom: epoch,
			ProductLine:   ruledb.ProductRetailAsset,
			Discriminators: ruledb.Discriminators{
				LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_LIMIT",
			},
			Fee: ruledb.FeeValue{
				Kind: ruledb.FeeTiered,
				Tiers: []ruledb.Tier{
					{ThresholdUpTo: decimal.NewFromInt(5000000), Rate: decimal.NewFromFloat(0.00575), Cap: decimal.NewFromInt(17250), Unit: "BDT"},
					{ThresholdUpTo: decimal.NewFromInt(1_000_000_000), Rate: decimal.NewFromFloat(0.00345), Cap: decimal.NewFromInt(23000), Unit: "BDT"},
				},
			},
			Basis:    ruledb.BasisPerTransaction,
			Priority: 1,
			Status:   ruledb.StatusActive,
		},
		{
			RuleID:        uuid.New(),
			EffectiveFrom: epoch,
			ProductLine:   ruledb.ProductRetailAsset,
			Discriminators: ruledb.Discriminators{
				LoanProduct: "FAST_CASH_OD", ChargeType: "PROCESSING_FEE", ChargeContext: "ON_ENHANCED_AMOUNT",
			},
			Fee: ruledb.FeeValue{
				Kind: ruledb.FeeTiered,
				Tiers: []ruledb.Tier{
					{ThresholdUpTo: decimal.NewFromInt(5000000), Rate: decimal.NewFromFloat(0.00575), Cap: decimal.NewFromInt(17250), Unit: "BDT"},
					{ThresholdUpTo: decimal.NewFromInt(1_000_000_000), Rate: decimal.NewFromFloat(0.00345), Cap: decimal.NewFromInt(23000), Unit: "BDT"},
				},
			},
			Basis:    ruledb.BasisPerTransaction,
			Priority: 1,
			Status:   ruledb.StatusActive,
		},
		{
			RuleID:        uuid.New(),
			EffectiveFrom: epoch,
			ProductLine:   ruledb.ProductSkyBanking,
			Discriminators: ruledb.Discriminators{
				ChargeType: "FREE_CHEQUE_BOOK",
			},
			Fee:       ruledb.FeeValue{Kind: ruledb.FeeFreeUpToN, FreeUpToN: 2},
			Basis:     ruledb.BasisPerTransaction,
			Condition: ruledb.ConditionFreeUpToN,
			Priority:  1,
			Status:    ruledb.StatusActive,
		},
	}
}

// Employees returns the directory seed (C4).
func Employees() []directory.Employee {
	return []directory.Employee{
		{ID: "E1001", Name: "Rajib Bhowmik", Email: "rajib.bhowmik@bank.example", Mobile: "+880-1711-000111", Department: "Retail Banking", Designation: "Relationship Manager"},
		{ID: "E1002", Name: "Farzana Akter", Email: "farzana.akter@bank.example", Mobile: "+880-1711-000222", Department: "Card Operations", Designation: "Operations Officer"},
		{ID: "E1003", Name: "Tanvir Hasan", Email: "tanvir.hasan@bank.example", Mobile: "+880-1711-000333", Department: "Customer Service", Designation: "Branch Manager"},
	}
}

// KnowledgeBase returns the organizational-overview retrieval seed, keyed
// by namespace. The annual-report-prefixed source ID exists specifically
// so the default FinancialSourcePatternCSV filter has something to
// exclude from overview answers.
func KnowledgeBase() map[string][]retrieval.Passage {
	return map[string][]retrieval.Passage{
		"organizational-overview": {
			{SourceID: "about-us", Text: "The bank was established to serve retail, SME, and corporate customers across Bangladesh with a network of branches and digital banking channels."},
			{SourceID: "leadership", Text: "The bank is led by a managing director and a board of directors drawn from banking and finance backgrounds."},
			{SourceID: "annual-report-2025", Text: "Fiscal year 2025 net profit and capital adequacy ratio figures are disclosed in the annual report filed with the regulator."},
		},
		"general": {
			{SourceID: "branch-hours", Text: "Branches are open Sunday through Thursday, 10am to 4pm, excluding public holidays."},
			{SourceID: "contact-center", Text: "The 24/7 contact center can be reached at the number printed on the back of your card."},
		},
	}
}
