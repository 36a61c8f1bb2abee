// Package classifier implements the Query Classifier (C5): a deterministic,
// ordered keyword matcher that turns a raw user message into a
// RoutingDecision, never a statistical score.
package classifier

import "strings"

// Kind discriminates RoutingDecision.
type Kind string

const (
	KindSmallTalk Kind = "small_talk"
	KindDirectory Kind = "directory"
	KindCardFees  Kind = "card_fees"
	KindRetrieval Kind = "retrieval"
	KindUnknown   Kind = "unknown"
)

// DefaultNamespace is used when no more specific namespace keyword matches.
const DefaultNamespace = "general"

// Entities are the fields the classifier extracts alongside the decision.
type Entities struct {
	CardProduct  string
	CardNetwork  string
	CardCategory string
	LoanProduct  string
	SearchTerm   string
}

// RoutingDecision is the tagged union produced by Classify (§4.5).
type RoutingDecision struct {
	Kind Kind

	// KindRetrieval
	Namespace    string
	FilterFlags  map[string]bool

	Entities Entities
}

type keywordRule struct {
	namespace string
	keywords  []string
}

// smallTalkKeywords short-circuit everything else — greetings and
// date/time chit-chat never touch any backing store.
var smallTalkKeywords = []string{
	"hello", "hi there", "hey there", "good morning", "good afternoon",
	"good evening", "how are you", "thank you", "thanks a lot", "bye",
	"goodbye", "what time is it", "what's today's date", "what is the date today",
}

// directoryKeywords identify an employee-lookup query. Kept independent of
// package directory's own leading-phrase list: the classifier only needs to
// decide the route, not perform the search itself.
var directoryKeywords = []string{
	"phone number of", "phone number", "contact info for", "contact information for",
	"mobile number of", "email of", "email address of", "who is",
	"find employee", "employee directory", "staff directory",
}

// cardProductKeywords and feeKeywords must co-occur for a CardFees route
// (§4.5: "card-product + fee-keyword co-occurrence"). loanProductKeywords
// extends the same co-occurrence check to retail-asset products (loan
// processing/renewal fees) — CardFees covers every product line the Fee
// Resolver knows about, not just cards.
var cardProductKeywords = []string{
	"credit card", "debit card", "card", "mastercard", "visa", "skybanking",
	"priority banking", "platinum card", "titanium card", "world rfcd",
}

var loanProductKeywords = []string{
	"fast cash od", "fast cash", "home loan", "auto loan", "personal loan", "od renewal",
}

var feeKeywords = []string{
	"fee", "fees", "charge", "charges", "cost", "price", "processing fee",
	"annual fee", "withdrawal fee", "issuance fee",
}

// namespaceRules are evaluated in order; the first matching namespace wins.
// organizational-overview is listed before milestones deliberately: the
// source classifier's "history of the bank" keyword belonged to both
// buckets and the milestones rule, being evaluated first, always won —
// resolved here by fixing the order instead of the keyword list.
var namespaceRules = []keywordRule{
	{"organizational-overview", []string{"about the bank", "who we are", "tell me about the bank", "overview of the bank", "history of the bank"}},
	{"milestones", []string{"milestone", "anniversary", "founded in", "timeline"}},
	{"management", []string{"board of directors", "chief executive", "managing director", "management team", "leadership team"}},
	{"financial-reports", []string{"annual report", "financial statement", "quarterly results", "financial report", "disclosure"}},
	{"policies", []string{"policy", "policies", "terms and conditions", "privacy policy", "terms of service"}},
	{"products", []string{"product", "account types", "savings account", "loan products", "deposit scheme"}},
	{"user-docs", []string{"how do i", "how to", "step by step", "tutorial", "guide"}},
}

// Classify produces a RoutingDecision for raw user input, per §4.5.
func Classify(message string) RoutingDecision {
	lower := strings.ToLower(message)

	if containsAny(lower, smallTalkKeywords) {
		return RoutingDecision{Kind: KindSmallTalk, Entities: extractEntities(lower)}
	}

	if containsAny(lower, directoryKeywords) {
		return RoutingDecision{Kind: KindDirectory, Entities: extractEntities(lower)}
	}

	if (containsAny(lower, cardProductKeywords) || containsAny(lower, loanProductKeywords)) && containsAny(lower, feeKeywords) {
		return RoutingDecision{Kind: KindCardFees, Entities: extractEntities(lower)}
	}

	for _, rule := range namespaceRules {
		if containsAny(lower, rule.keywords) {
			return RoutingDecision{
				Kind:        KindRetrieval,
				Namespace:   rule.namespace,
				FilterFlags: filterFlagsFor(rule.namespace),
				Entities:    extractEntities(lower),
			}
		}
	}

	return RoutingDecision{
		Kind:        KindUnknown,
		Namespace:   DefaultNamespace,
		FilterFlags: filterFlagsFor(DefaultNamespace),
		Entities:    extractEntities(lower),
	}
}

// filterFlagsFor sets the organizational-overview content filter (§4.3):
// queries in that namespace must never surface a financial-document source.
func filterFlagsFor(namespace string) map[string]bool {
	if namespace == "organizational-overview" {
		return map[string]bool{"filter_financial": true}
	}
	return map[string]bool{}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

var cardNetworks = []string{"mastercard", "visa"}
var cardCategories = []string{"debit", "credit", "prepaid"}
var cardProducts = []string{"world rfcd", "platinum", "titanium", "gold", "classic"}
var loanProducts = []string{"fast cash od", "fast cash", "home loan", "auto loan", "personal loan"}

// extractEntities pulls the discriminator-shaped fields the downstream
// components (C2, C3) need out of the raw text.
func extractEntities(lower string) Entities {
	e := Entities{SearchTerm: strings.TrimSpace(lower)}
	for _, n := range cardNetworks {
		if strings.Contains(lower, n) {
			e.CardNetwork = strings.ToUpper(n)
			break
		}
	}
	for _, c := range cardCategories {
		if strings.Contains(lower, c) {
			e.CardCategory = strings.ToUpper(c)
			break
		}
	}
	for _, p := range cardProducts {
		if strings.Contains(lower, p) {
			e.CardProduct = titleCase(p)
			break
		}
	}
	for _, l := range loanProducts {
		if strings.Contains(lower, l) {
			e.LoanProduct = strings.ToUpper(strings.ReplaceAll(l, " ", "_"))
			break
		}
	}
	return e
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
