package ruledb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// RuleTableDDL is the schema for the persistent fee_rules table. The
// uniqueness constraint enforces I1; the exclusion constraint (requiring
// the btree_gist extension) enforces I2 for active rows.
const RuleTableDDL = `
CREATE TABLE IF NOT EXISTS fee_rules (
    rule_id          UUID PRIMARY KEY,
    product_line     TEXT NOT NULL,
    charge_type      TEXT NOT NULL DEFAULT '',
    card_category    TEXT NOT NULL DEFAULT '',
    card_network     TEXT NOT NULL DEFAULT '',
    card_product      TEXT NOT NULL DEFAULT '',
    loan_product     TEXT NOT NULL DEFAULT '',
    charge_context   TEXT NOT NULL DEFAULT '',
    effective_from   DATE NOT NULL,
    effective_to     DATE,
    fee_kind         TEXT NOT NULL,
    fee_payload      JSONB NOT NULL,
    basis            TEXT NOT NULL,
    condition        TEXT NOT NULL,
    priority         INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'active',

    CONSTRAINT fee_rules_unique_effective_from
        UNIQUE (product_line, charge_type, card_category, card_network, card_product,
                loan_product, charge_context, effective_from)
);

CREATE EXTENSION IF NOT EXISTS btree_gist;

ALTER TABLE fee_rules
    ADD COLUMN IF NOT EXISTS effective_range daterange
        GENERATED ALWAYS AS (daterange(effective_from, effective_to, '[)')) STORED;

ALTER TABLE fee_rules
    DROP CONSTRAINT IF EXISTS fee_rules_no_overlap;

ALTER TABLE fee_rules
    ADD CONSTRAINT fee_rules_no_overlap
    EXCLUDE USING gist (
        product_line WITH =,
        charge_type WITH =,
        card_category WITH =,
        card_network WITH =,
        card_product WITH =,
        loan_product WITH =,
        charge_context WITH =,
        effective_range WITH &&
    ) WHERE (status = 'active');
`

// row mirrors one fee_rules record for scanning.
type row struct {
	RuleID        uuid.UUID
	ProductLine   string
	ChargeType    string
	CardCategory  string
	CardNetwork   string
	CardProduct   string
	LoanProduct   string
	ChargeContext string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	FeeKind       string
	Basis         string
	Condition     string
	Priority      int
	Status        string

	// Flattened numeric fee fields (the admin CRUD writes one of these
	// groups depending on fee_kind; kept flat rather than JSONB-decoded
	// here to avoid pulling in a JSON schema for every fee kind).
	Amount        decimal.Decimal
	Currency      string
	MinCap        decimal.Decimal
	HasMin        bool
	MaxCap        decimal.Decimal
	HasMax        bool
	FreeUpToN     int
	NoteReference string
	Text          string
}

// LoadFromPostgres reads every row of fee_rules into a fresh Store. Tiered
// fee rows are expected to be pre-expanded by the admin path into the
// fee_rule_tiers side table (see loadTiers); this keeps the hot read path a
// single JOIN-free scan.
func LoadFromPostgres(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	rows, err := pool.Query(ctx, `
		SELECT rule_id, product_line, charge_type, card_category, card_network, card_product,
		       loan_product, charge_context, effective_from, effective_to, fee_kind, basis,
		       condition, priority, status,
		       amount, currency, min_cap, has_min, max_cap, has_max,
		       free_upto_n, note_reference, fee_text
		FROM fee_rules
	`)
	if err != nil {
		return nil, fmt.Errorf("query fee_rules: %w", err)
	}
	defer rows.Close()

	store := New()
	for rows.Next() {
		var r row
		if err := rows.Scan(
			&r.RuleID, &r.ProductLine, &r.ChargeType, &r.CardCategory, &r.CardNetwork, &r.CardProduct,
			&r.LoanProduct, &r.ChargeContext, &r.EffectiveFrom, &r.EffectiveTo, &r.FeeKind, &r.Basis,
			&r.Condition, &r.Priority, &r.Status,
			&r.Amount, &r.Currency, &r.MinCap, &r.HasMin, &r.MaxCap, &r.HasMax,
			&r.FreeUpToN, &r.NoteReference, &r.Text,
		); err != nil {
			return nil, fmt.Errorf("scan fee_rules row: %w", err)
		}

		fr, err := rowToRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.RuleID, err)
		}

		if r.FeeKind == string(FeeTiered) {
			tiers, err := loadTiers(ctx, pool, r.RuleID)
			if err != nil {
				return nil, err
			}
			fr.Fee.Tiers = tiers
		}

		if err := store.Insert(fr); err != nil {
			return nil, fmt.Errorf("loading rule %s: %w", r.RuleID, err)
		}
	}
	return store, rows.Err()
}

func loadTiers(ctx context.Context, pool *pgxpool.Pool, ruleID uuid.UUID) ([]Tier, error) {
	rows, err := pool.Query(ctx, `
		SELECT threshold_upto, rate, cap, unit
		FROM fee_rule_tiers
		WHERE rule_id = $1
		ORDER BY threshold_upto ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query fee_rule_tiers: %w", err)
	}
	defer rows.Close()

	var tiers []Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.ThresholdUpTo, &t.Rate, &t.Cap, &t.Unit); err != nil {
			return nil, fmt.Errorf("scan fee_rule_tiers row: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

func rowToRule(r row) (FeeRule, error) {
	fr := FeeRule{
		RuleID:        r.RuleID,
		EffectiveFrom: r.EffectiveFrom,
		EffectiveTo:   r.EffectiveTo,
		ProductLine:   ProductLine(r.ProductLine),
		Discriminators: Discriminators{
			ChargeType:    r.ChargeType,
			CardCategory:  r.CardCategory,
			CardNetwork:   r.CardNetwork,
			CardProduct:   r.CardProduct,
			LoanProduct:   r.LoanProduct,
			ChargeContext: r.ChargeContext,
		},
		Basis:     FeeBasis(r.Basis),
		Condition: Condition(r.Condition),
		Priority:  r.Priority,
		Status:    Status(r.Status),
	}

	fr.Fee = FeeValue{
		Kind:          FeeKind(r.FeeKind),
		Amount:        r.Amount,
		Currency:      r.Currency,
		MinCap:        r.MinCap,
		HasMin:        r.HasMin,
		MaxCap:        r.MaxCap,
		HasMax:        r.HasMax,
		FreeUpToN:     r.FreeUpToN,
		NoteReference: r.NoteReference,
		Text:          r.Text,
	}
	return fr, nil
}
