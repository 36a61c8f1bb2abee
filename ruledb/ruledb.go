package ruledb

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductLine enumerates the product lines a rule can belong to (§3).
type ProductLine string

const (
	ProductCreditCard     ProductLine = "credit-card"
	ProductRetailAsset    ProductLine = "retail-asset"
	ProductSkyBanking     ProductLine = "skybanking"
	ProductPriorityBank   ProductLine = "priority-banking"
)

// FeeBasis enumerates how a fee is charged (§3).
type FeeBasis string

const (
	BasisPerTransaction FeeBasis = "per-transaction"
	BasisPerYear        FeeBasis = "per-year"
	BasisPerVisit       FeeBasis = "per-visit"
	BasisOnOutstanding  FeeBasis = "on-outstanding"
)

// Condition enumerates the semantic condition attached to a rule (§3).
type Condition string

const (
	ConditionNone            Condition = "none"
	ConditionWhicheverHigher Condition = "whichever-higher"
	ConditionFreeUpToN       Condition = "free-upto-n"
	ConditionNoteBased       Condition = "note-based"
)

// FeeKind discriminates the FeeValue union (§3).
type FeeKind string

const (
	FeeFixed        FeeKind = "fixed"
	FeePercentage   FeeKind = "percentage"
	FeeTiered       FeeKind = "tiered"
	FeeFreeUpToN    FeeKind = "free-upto-n"
	FeeNoteDeferred FeeKind = "note-deferred"
	FeeTextual      FeeKind = "textual"
)

// Tier is a single threshold/rate/cap band of a tiered fee (I3: ascending
// thresholds, every rate tier carries a unit).
type Tier struct {
	ThresholdUpTo decimal.Decimal // inclusive lower-bound semantics handled by caller; this is the upper bound of the band
	Rate          decimal.Decimal // e.g. 0.00575 for 0.575%
	Cap           decimal.Decimal
	Unit          string // currency code the cap/rate is denominated in
}

// FeeValue is the discriminated union described in §3.
type FeeValue struct {
	Kind FeeKind

	// FeeFixed / FeePercentage
	Amount   decimal.Decimal
	Currency string
	MinCap   decimal.Decimal
	MaxCap   decimal.Decimal
	HasMin   bool
	HasMax   bool

	// FeeTiered
	Tiers []Tier

	// FeeFreeUpToN
	FreeUpToN int

	// FeeNoteDeferred
	NoteReference string

	// FeeTextual
	Text string
}

// Discriminators selects a rule inside a product line (§3). Fields not
// applicable to a product line are left zero-valued.
type Discriminators struct {
	ChargeType    string
	CardCategory  string
	CardNetwork   string
	CardProduct   string
	LoanProduct   string
	ChargeContext string
}

// key returns the canonical lookup key for a discriminator tuple within a
// product line — used both for I1/I2 enforcement and for lookup matching.
func (d Discriminators) key(pl ProductLine) string {
	switch pl {
	case ProductCreditCard:
		return fmt.Sprintf("%s|%s|%s|%s|%s", pl, d.ChargeType, d.CardCategory, d.CardNetwork, d.CardProduct)
	default:
		return fmt.Sprintf("%s|%s|%s|%s", pl, d.LoanProduct, d.ChargeType, d.ChargeContext)
	}
}

// Status is the lifecycle flag on a rule row (§3).
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// FeeRule is one row of the master fee/charge table (§3).
type FeeRule struct {
	RuleID         uuid.UUID
	EffectiveFrom  time.Time
	EffectiveTo    *time.Time // nil = open-ended
	ProductLine    ProductLine
	Discriminators Discriminators
	Fee            FeeValue
	Basis          FeeBasis
	Condition      Condition
	Priority       int
	Status         Status
}

// activeAt reports whether the rule is active on d: half-open range
// [EffectiveFrom, EffectiveTo) — exactly at EffectiveFrom is active, exactly
// at EffectiveTo is not (§8 boundary behaviors).
func (r FeeRule) activeAt(d time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	if d.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !d.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// matches reports whether the rule's discriminators are consistent with
// the query's. An empty string on either side is a wildcard: empty on the
// rule means the rule doesn't discriminate on that field; empty on the
// query means the caller hasn't narrowed it down yet (the case that
// produces a disambiguation rather than a narrower lookup, §4.2).
func (r FeeRule) matches(pl ProductLine, q Discriminators) bool {
	if r.ProductLine != pl {
		return false
	}
	eq := func(ruleVal, queryVal string) bool {
		return ruleVal == "" || queryVal == "" || ruleVal == queryVal
	}
	return eq(r.Discriminators.ChargeType, q.ChargeType) &&
		eq(r.Discriminators.CardCategory, q.CardCategory) &&
		eq(r.Discriminators.CardNetwork, q.CardNetwork) &&
		eq(r.Discriminators.CardProduct, q.CardProduct) &&
		eq(r.Discriminators.LoanProduct, q.LoanProduct) &&
		eq(r.Discriminators.ChargeContext, q.ChargeContext)
}

// LookupStatus classifies the outcome of Store.Lookup.
type LookupStatus string

const (
	LookupUnique    LookupStatus = "unique"
	LookupAmbiguous LookupStatus = "ambiguous"
	LookupNotFound  LookupStatus = "not_found"
)

// LookupResult is the return value of Store.Lookup.
type LookupResult struct {
	Status LookupStatus
	Rule   FeeRule   // valid iff Status == LookupUnique
	Rules  []FeeRule // valid iff Status == LookupAmbiguous
}

// ErrOverlap is returned by Insert when I1/I2 would be violated.
type ErrOverlap struct {
	Existing FeeRule
	Incoming FeeRule
}

func (e *ErrOverlap) Error() string {
	return fmt.Sprintf("rule %s overlaps existing active rule %s for the same discriminators", e.Incoming.RuleID, e.Existing.RuleID)
}

// Store is the typed, in-memory rule index. It is populated once at
// startup (and by the admin-CRUD path external to this core) and is never
// mutated by the Fee Resolver.
type Store struct {
	mu sync.RWMutex
	// discriminator key -> rules sorted by EffectiveFrom ascending
	byKey map[string][]FeeRule
}

// New returns an empty Store.
func New() *Store {
	return &Store{byKey: make(map[string][]FeeRule)}
}

// Insert adds a rule, enforcing I1 (no two active rows for the same
// (product_line, discriminators, effective_from)) and I2 (no overlapping
// active effective ranges for the same (product_line, discriminators)).
func (s *Store) Insert(r FeeRule) error {
	if err := validateFee(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Discriminators.key(r.ProductLine)
	existing := s.byKey[key]

	if r.Status == StatusActive {
		for _, e := range existing {
			if e.Status != StatusActive {
				continue
			}
			if e.EffectiveFrom.Equal(r.EffectiveFrom) {
				return &ErrOverlap{Existing: e, Incoming: r}
			}
			if rangesOverlap(e, r) {
				return &ErrOverlap{Existing: e, Incoming: r}
			}
		}
	}

	existing = append(existing, r)
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].EffectiveFrom.Before(existing[j].EffectiveFrom)
	})
	s.byKey[key] = existing
	return nil
}

func rangesOverlap(a, b FeeRule) bool {
	aEnd := farFuture
	if a.EffectiveTo != nil {
		aEnd = *a.EffectiveTo
	}
	bEnd := farFuture
	if b.EffectiveTo != nil {
		bEnd = *b.EffectiveTo
	}
	// half-open ranges [from, end) overlap iff a.from < b.end && b.from < a.end
	return a.EffectiveFrom.Before(bEnd) && b.EffectiveFrom.Before(aEnd)
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func validateFee(r FeeRule) error {
	switch r.Fee.Kind {
	case FeeTiered:
		for i := 1; i < len(r.Fee.Tiers); i++ {
			if !r.Fee.Tiers[i].ThresholdUpTo.GreaterThan(r.Fee.Tiers[i-1].ThresholdUpTo) {
				return fmt.Errorf("tier thresholds must be ascending (I3)")
			}
		}
		for _, t := range r.Fee.Tiers {
			if t.Unit == "" {
				return fmt.Errorf("every tier must carry a unit (I3)")
			}
		}
	case FeeNoteDeferred:
		if r.Fee.NoteReference == "" {
			return fmt.Errorf("note-deferred rule requires a note reference (I4)")
		}
	case FeeTextual:
		if r.Fee.Text == "" {
			return fmt.Errorf("textual rule requires verbatim text (I4)")
		}
	case FeeFixed, FeePercentage:
		// numeric fee value present by construction of FeeValue
	case FeeFreeUpToN:
		if r.Fee.FreeUpToN <= 0 {
			return fmt.Errorf("free-upto-N rule requires N > 0 (I4)")
		}
	default:
		return fmt.Errorf("rule must carry a fee kind (I4)")
	}
	return nil
}

// Candidates returns every rule active on asOf matching (productLine, query),
// sorted by Priority descending. The Fee Resolver (C2) uses the full,
// unfiltered list to walk free-upto-N fallthrough chains; Lookup uses it to
// apply the tie/ambiguity rule.
func (s *Store) Candidates(productLine ProductLine, query Discriminators, asOf time.Time) []FeeRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []FeeRule
	for _, rules := range s.byKey {
		for _, r := range rules {
			if r.matches(productLine, query) && r.activeAt(asOf) {
				candidates = append(candidates, r)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates
}

// Lookup returns the rules active on asOf matching (productLine, query),
// resolving ties by Priority (higher wins); if more than one rule remains
// tied at the top priority, the result is Ambiguous (§4.1, P1).
func (s *Store) Lookup(productLine ProductLine, query Discriminators, asOf time.Time) LookupResult {
	candidates := s.Candidates(productLine, query, asOf)
	if len(candidates) == 0 {
		return LookupResult{Status: LookupNotFound}
	}

	top := candidates[0].Priority
	var tied []FeeRule
	for _, c := range candidates {
		if c.Priority == top {
			tied = append(tied, c)
		}
	}

	if len(tied) == 1 {
		return LookupResult{Status: LookupUnique, Rule: tied[0]}
	}
	return LookupResult{Status: LookupAmbiguous, Rules: tied}
}

// ListFilters narrows List results for admin/export surfaces (§4.1).
type ListFilters struct {
	ProductLine ProductLine
	ChargeType  string
	Status      Status
}

// List returns rules matching the filters, paginated, for admin/export
// surfaces. Results are sorted by (ProductLine, EffectiveFrom).
func (s *Store) List(f ListFilters, limit, offset int) []FeeRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FeeRule
	for _, rules := range s.byKey {
		for _, r := range rules {
			if f.ProductLine != "" && r.ProductLine != f.ProductLine {
				continue
			}
			if f.ChargeType != "" && r.Discriminators.ChargeType != f.ChargeType {
				continue
			}
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductLine != out[j].ProductLine {
			return out[i].ProductLine < out[j].ProductLine
		}
		return out[i].EffectiveFrom.Before(out[j].EffectiveFrom)
	})

	if offset >= len(out) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[offset:end]
}
