// Package orchestrator implements the Orchestrator (C8): the per-request
// state machine that classifies a query, resolves it against exactly one
// backing source, assembles a prompt, streams the model's response, and
// records the turn. Grounded on the teacher's request-lifecycle shape
// (handler/proxy.go) and disconnect-aware streaming loop
// (handler/stream.go), generalized from an opaque LLM proxy into a
// banking-assistant turn pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/analyticsrec"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/classifier"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/directory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/disambiguation"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/errs"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/feeengine"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/memory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/observability"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/provider"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/retrieval"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

// State is one node of the per-request state machine (§4.8).
type State string

const (
	StateReceived               State = "received"
	StateClassified             State = "classified"
	StateResolved               State = "resolved"
	StatePrompted               State = "prompted"
	StateStreaming              State = "streaming"
	StateFinalized              State = "finalized"
	StateFailed                 State = "failed"
	StateAwaitingDisambiguation State = "awaiting_disambiguation"
	StateSmallTalk              State = "small_talk"
)

// TurnRequest is one incoming conversational turn.
type TurnRequest struct {
	SessionID string
	Query     string
	ClientIP  string
	Now       time.Time

	// KnowledgeBase, when set, pins the retrieval namespace instead of
	// letting the classifier infer one from the query text (§6's optional
	// `knowledge_base` chat transport field).
	KnowledgeBase string
}

// TurnResult is everything the transport layer (handler/chat.go) needs to
// respond to the caller: the finished text (non-streaming callers), the
// sources envelope as a typed field — never spliced into Text, per Open
// Question decision (d) — and enough state to decide the HTTP shape.
type TurnResult struct {
	State         State
	Text          string
	Sources       []string
	WasAnswered   bool
	BackingSource analyticsrec.BackingSource

	// Set when State == StateAwaitingDisambiguation.
	DisambiguationToken   string
	DisambiguationOptions []feeengine.Option

	Err error
}

// Dependencies wires every backing component the Orchestrator calls.
type Dependencies struct {
	Directory      *directory.Store
	Retrieval      *retrieval.Client
	FeeResolver    *feeengine.Resolver
	Disambiguation *disambiguation.Store
	Memory         *memory.Store
	Analytics      *analyticsrec.Recorder
	Providers      *provider.Registry

	// Metrics is optional: a nil Metrics simply skips instrumentation,
	// so tests that don't care about /metrics don't need to wire one.
	Metrics *observability.Metrics

	ModelProvider string
	ModelName     string
	Temperature   float64
	MaxTokens     int

	RetrievalTimeout  time.Duration
	FeeEngineTimeout  time.Duration
	ModelTotalTimeout time.Duration

	Logger zerolog.Logger
}

// Orchestrator is the Orchestrator (C8).
type Orchestrator struct {
	deps Dependencies

	mu      sync.Mutex
	pending map[string]string // session_id -> outstanding disambiguation token
}

// New builds an Orchestrator over deps.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps, pending: make(map[string]string)}
}

// RunTurn executes the full state machine for one request, streaming text
// deltas to sink as they arrive and returning the finished TurnResult.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, sink StreamSink) TurnResult {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	start := time.Now()

	o.deps.Memory.Append(req.SessionID, memory.RoleUser, req.Query, req.Now)

	var result TurnResult
	if token, ok := o.takePending(req.SessionID); ok {
		result = o.resumeDisambiguation(ctx, req, token, sink)
	} else {
		decision := classifier.Classify(req.Query)
		result = o.dispatch(ctx, req, decision, sink)
	}

	o.persist(req, result, start)
	return result
}

func (o *Orchestrator) takePending(sessionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	token, ok := o.pending[sessionID]
	if ok {
		delete(o.pending, sessionID)
	}
	return token, ok
}

func (o *Orchestrator) setPending(sessionID, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[sessionID] = token
}

func (o *Orchestrator) dispatch(ctx context.Context, req TurnRequest, decision classifier.RoutingDecision, sink StreamSink) TurnResult {
	switch decision.Kind {
	case classifier.KindSmallTalk:
		return o.runModelTurn(ctx, req, "", nil, analyticsrec.SourceModelOnly, sink)

	case classifier.KindDirectory:
		return o.handleDirectory(req)

	case classifier.KindCardFees:
		return o.handleCardFees(ctx, req, decision, sink)

	case classifier.KindRetrieval, classifier.KindUnknown:
		return o.handleRetrieval(ctx, req, decision, sink)

	default:
		return TurnResult{State: StateFailed, Err: errs.New(errs.KindClassification, fmt.Sprintf("unhandled routing kind %q", decision.Kind))}
	}
}

// handleDirectory implements transition 3: invoke C4, assemble a
// structured answer from hits, and never invoke C3 — the isolation
// invariant is structural (package directory does not import retrieval),
// not a runtime check here.
func (o *Orchestrator) handleDirectory(req TurnRequest) TurnResult {
	hits := o.deps.Directory.Search(req.Query, 5)
	if len(hits) == 0 {
		return TurnResult{
			State:         StateFinalized,
			Text:          "I couldn't find anyone matching that in the employee directory.",
			WasAnswered:   false,
			BackingSource: analyticsrec.SourceDirectory,
		}
	}

	var b strings.Builder
	for i, hit := range hits {
		if i > 0 {
			b.WriteString("\n")
		}
		e := hit.Employee
		fmt.Fprintf(&b, "%s — %s, %s (%s, %s)", e.Name, e.Designation, e.Department, e.Email, e.Mobile)
	}

	return TurnResult{
		State:         StateFinalized,
		Text:          b.String(),
		WasAnswered:   true,
		BackingSource: analyticsrec.SourceDirectory,
	}
}

// handleCardFees implements transition 4.
func (o *Orchestrator) handleCardFees(ctx context.Context, req TurnRequest, decision classifier.RoutingDecision, sink StreamSink) TurnResult {
	ctx, cancel := context.WithTimeout(ctx, o.deps.FeeEngineTimeout)
	defer cancel()

	feeReq := BuildFeeRequest(req.Query, decision.Entities, req.Now)
	res, err := o.deps.FeeResolver.Resolve(ctx, feeReq)
	if err != nil {
		// A genuine C2 error (validation failure, FX mismatch) falls back
		// to retrieval with empty authoritative context (§4.8 failure
		// semantics); a clean ResultNotFound below falls back only
		// outside the credit-card product line.
		o.deps.Logger.Warn().Err(err).Msg("fee resolver error, falling back to retrieval")
		return o.handleRetrieval(ctx, req, classifier.RoutingDecision{Kind: classifier.KindRetrieval, Namespace: "products", FilterFlags: map[string]bool{}}, sink)
	}

	switch res.Kind {
	case feeengine.ResultCalculated:
		promptContext := formatFeeContext(res)
		return o.runModelTurn(ctx, req, promptContext, nil, analyticsrec.SourceFeeEngine, sink)

	case feeengine.ResultNeedsNoteResolution:
		promptContext := fmt.Sprintf("This charge is governed by note %s; direct the customer to that note for the exact figure.", res.NoteReference)
		return o.runModelTurn(ctx, req, promptContext, nil, analyticsrec.SourceFeeEngine, sink)

	case feeengine.ResultNeedsDisambiguation:
		o.setPending(req.SessionID, res.Token)
		var b strings.Builder
		b.WriteString("There's more than one matching fee — which one did you mean?\n")
		for i, opt := range res.Options {
			fmt.Fprintf(&b, "%d. %s\n", i+1, opt.Label)
		}
		return TurnResult{
			State:                 StateAwaitingDisambiguation,
			Text:                  strings.TrimRight(b.String(), "\n"),
			WasAnswered:           false,
			BackingSource:         analyticsrec.SourceFeeEngine,
			DisambiguationToken:   res.Token,
			DisambiguationOptions: res.Options,
		}

	case feeengine.ResultNotFound:
		// The fee engine already tried its declared fallback table
		// (feeengine.FallbackChargeTypes) before returning NotFound.
		// Outside the credit-card product line the turn falls back to
		// retrieval. For card fees NotFound is authoritative: nothing is
		// inferred from free text, and the model is still used to phrase
		// the reply, told plainly that no rule matched.
		if feeReq.ProductLine != ruledb.ProductCreditCard {
			return o.handleRetrieval(ctx, req, classifier.RoutingDecision{Kind: classifier.KindRetrieval, Namespace: "products", FilterFlags: map[string]bool{}}, sink)
		}
		result := o.runModelTurn(ctx, req, "No matching fee rule was found for this query. State plainly that it isn't on file and suggest confirming with a branch; do not guess a figure.", nil, analyticsrec.SourceFeeEngine, sink)
		result.WasAnswered = false
		return result

	default:
		return TurnResult{State: StateFailed, Err: errs.New(errs.KindClassification, fmt.Sprintf("unhandled fee result kind %q", res.Kind))}
	}
}

// resumeDisambiguation handles a follow-up turn in a session with an
// outstanding disambiguation token: take the token (single-use, §8 P7),
// parse the caller's choice against the stored options, and resolve.
func (o *Orchestrator) resumeDisambiguation(ctx context.Context, req TurnRequest, token string, sink StreamSink) TurnResult {
	payload, ok, err := o.deps.Disambiguation.Take(ctx, token)
	if err != nil || !ok {
		// Token expired or already consumed: treat this turn as fresh input.
		decision := classifier.Classify(req.Query)
		return o.dispatch(ctx, req, decision, sink)
	}

	ctx, cancel := context.WithTimeout(ctx, o.deps.FeeEngineTimeout)
	defer cancel()

	choiceIndex, ok := parseChoice(req.Query)
	if !ok {
		// Could not parse a choice: re-issue the same token so the next
		// reply gets another chance, rather than silently discarding it.
		o.setPending(req.SessionID, token)
		return TurnResult{
			State:       StateAwaitingDisambiguation,
			Text:        "Please reply with the number of the option you meant.",
			WasAnswered: false,
		}
	}

	res, err := o.deps.FeeResolver.Resume(ctx, payload, choiceIndex)
	if err != nil {
		return TurnResult{State: StateFailed, Err: err}
	}
	if res.Kind != feeengine.ResultCalculated && res.Kind != feeengine.ResultNeedsNoteResolution {
		return TurnResult{State: StateFailed, Err: errs.New(errs.KindClassification, fmt.Sprintf("unexpected resume result kind %q", res.Kind))}
	}

	promptContext := formatFeeContext(res)
	if res.Kind == feeengine.ResultNeedsNoteResolution {
		promptContext = fmt.Sprintf("This charge is governed by note %s; direct the customer to that note for the exact figure.", res.NoteReference)
	}
	return o.runModelTurn(ctx, req, promptContext, nil, analyticsrec.SourceFeeEngine, sink)
}

// handleRetrieval implements transition 5.
func (o *Orchestrator) handleRetrieval(ctx context.Context, req TurnRequest, decision classifier.RoutingDecision, sink StreamSink) TurnResult {
	ctx, cancel := context.WithTimeout(ctx, o.deps.RetrievalTimeout)
	defer cancel()

	namespace := decision.Namespace
	if req.KnowledgeBase != "" {
		namespace = req.KnowledgeBase
	}

	filterOverview := decision.FilterFlags["filter_financial"]
	passages, err := o.deps.Retrieval.Query(ctx, namespace, req.Query, filterOverview)
	if err != nil {
		// C3 errors: proceed with empty context rather than failing the
		// turn; the model is told to acknowledge missing data (§4.8).
		o.deps.Logger.Warn().Err(err).Str("namespace", namespace).Msg("retrieval error, proceeding with empty context")
		return o.runModelTurnUnanswered(ctx, req, "No reference material was available for this question; say so plainly rather than guessing.", nil, sink)
	}

	if len(passages) == 0 {
		return o.runModelTurnUnanswered(ctx, req, "No reference material was available for this question; say so plainly rather than guessing.", nil, sink)
	}

	var contextB strings.Builder
	sources := make([]string, 0, len(passages))
	for i, p := range passages {
		if i > 0 {
			contextB.WriteString("\n---\n")
		}
		contextB.WriteString(p.Text)
		sources = append(sources, p.SourceID)
	}

	return o.runModelTurn(ctx, req, contextB.String(), sources, analyticsrec.SourceKnowledge, sink)
}

// runModelTurn assembles the prompt, streams the model, post-processes,
// and marks the turn answered.
func (o *Orchestrator) runModelTurn(ctx context.Context, req TurnRequest, authoritativeContext string, sources []string, backing analyticsrec.BackingSource, sink StreamSink) TurnResult {
	result := o.streamModel(ctx, req, authoritativeContext, sink)
	result.Sources = sources
	result.BackingSource = backing
	if result.Err == nil {
		result.WasAnswered = true
	}
	return result
}

// runModelTurnUnanswered is runModelTurn for the case where there was no
// authoritative context to assemble a confident answer from (§4.8: mark
// was_answered=false when no context was available).
func (o *Orchestrator) runModelTurnUnanswered(ctx context.Context, req TurnRequest, instruction string, sources []string, sink StreamSink) TurnResult {
	result := o.streamModel(ctx, req, instruction, sink)
	result.Sources = sources
	result.BackingSource = analyticsrec.SourceNone
	result.WasAnswered = false
	return result
}

func (o *Orchestrator) streamModel(ctx context.Context, req TurnRequest, authoritativeContext string, sink StreamSink) TurnResult {
	ctx, cancel := context.WithTimeout(ctx, o.deps.modelTotalTimeout())
	defer cancel()

	prov, ok := o.deps.Providers.Get(o.deps.ModelProvider)
	if !ok {
		return TurnResult{State: StateFailed, Err: errs.New(errs.KindUpstream, "no model provider registered")}
	}

	history := o.deps.Memory.Recent(req.SessionID, 0)
	messages := buildMessages(authoritativeContext, history, req.Query)

	chatReq := &provider.ChatRequest{
		Model:       o.deps.ModelName,
		Messages:    messages,
		Temperature: &o.deps.Temperature,
		MaxTokens:   &o.deps.MaxTokens,
		Stream:      true,
	}

	stream, err := prov.ChatCompletionStream(ctx, chatReq)
	if err != nil {
		return TurnResult{State: StateFailed, Err: classifyProviderError(err)}
	}
	defer stream.Close()

	outcome := runStream(ctx, stream, sink, o.deps.Logger)
	if outcome.disconnected {
		return TurnResult{State: StateFailed, Err: errs.New(errs.KindCancelled, "client disconnected mid-stream"), WasAnswered: false}
	}
	if outcome.err != nil {
		return TurnResult{State: StateFailed, Err: classifyProviderError(outcome.err)}
	}

	text := postProcess(outcome.text.String())
	return TurnResult{State: StateFinalized, Text: text}
}

func (d Dependencies) modelTotalTimeout() time.Duration {
	if d.ModelTotalTimeout == 0 {
		return 120 * time.Second
	}
	return d.ModelTotalTimeout
}

// classifyProviderError maps a raw provider error to the canonical
// user-visible failure kinds §4.8 names (rate-limit, other).
func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return errs.Wrap(errs.KindRateLimited, "model provider is temporarily unavailable", err)
	}
	return errs.Wrap(errs.KindUpstream, "model provider request failed", err)
}

// persist writes the turn to Conversation Memory and the Analytics
// Recorder (transition 9). A disconnected/failed stream still persists
// partial state with was_answered=false, per §5's cancellation rule.
func (o *Orchestrator) persist(req TurnRequest, result TurnResult, start time.Time) {
	if result.Text != "" {
		o.deps.Memory.Append(req.SessionID, memory.RoleAssistant, result.Text, time.Now().UTC())
	}

	latency := time.Since(start)
	o.deps.Analytics.Record(analyticsrec.Turn{
		SessionID:     req.SessionID,
		QueryText:     req.Query,
		WasAnswered:   result.WasAnswered,
		BackingSource: result.BackingSource,
		LatencyMs:     latency.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	})

	if o.deps.Metrics != nil {
		o.deps.Metrics.TrackTurn(string(result.BackingSource), result.WasAnswered, float64(latency.Milliseconds()))
	}
}

// buildMessages assembles the prompt per transition 6: fixed system
// directives + authoritative context + last N turns + current message.
func buildMessages(authoritativeContext string, history []memory.Turn, query string) []provider.ChatMessage {
	var sys strings.Builder
	sys.WriteString("You are a banking customer-assistance assistant. Answer only from the context provided; never invent a fee figure. If no context is given, say so plainly.")
	if authoritativeContext != "" {
		sys.WriteString("\n\nContext:\n")
		sys.WriteString(authoritativeContext)
	}

	messages := make([]provider.ChatMessage, 0, len(history)+2)
	messages = append(messages, provider.ChatMessage{Role: "system", Content: sys.String()})
	for _, turn := range history {
		role := "user"
		if turn.Role == memory.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, provider.ChatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, provider.ChatMessage{Role: "user", Content: query})
	return messages
}

// formatFeeContext renders a calculated fee result as authoritative
// prompt context.
func formatFeeContext(res feeengine.Result) string {
	if res.Remark != "" {
		return res.Remark
	}
	if res.Amount.IsZero() && res.Currency == "" {
		return "This fee is waived for the described usage."
	}
	return fmt.Sprintf("The applicable fee is %s %s (%s).", res.Amount.StringFixed(2), res.Currency, res.Basis)
}

// postProcess implements transition 8's text cleanup: strip markdown
// emphasis/heading markers the model may emit (this is a plain-text
// channel, not a markdown renderer) and normalize informal currency
// references to their ISO code.
func postProcess(text string) string {
	text = markdownEmphasis.ReplaceAllString(text, "")
	text = markdownHeading.ReplaceAllString(text, "")
	text = takaAlias.ReplaceAllString(text, "BDT")
	return strings.TrimSpace(text)
}

var (
	markdownEmphasis = regexp.MustCompile("[*_`]{1,3}")
	markdownHeading  = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	takaAlias        = regexp.MustCompile(`(?i)\btk\.?\b|\btaka\b`)
)

// parseChoice interprets a disambiguation reply: a bare 1-based integer
// ("1", "2 please") selects that option.
func parseChoice(query string) (int, bool) {
	fields := strings.Fields(query)
	for _, f := range fields {
		f = strings.Trim(f, ".,!?")
		if n, err := strconv.Atoi(f); err == nil && n >= 1 {
			return n - 1, true
		}
	}
	return 0, false
}

var (
	chargeTypeKeywords = map[string]string{
		"annual fee":     "ANNUAL_FEE",
		"processing fee": "PROCESSING_FEE",
		"withdrawal fee": "WITHDRAWAL_FEE",
		"issuance fee":   "ISSUANCE_FEE",
		"renewal fee":    "RENEWAL_FEE",
	}
	chargeContextKeywords = map[string]string{
		"enhanced": "ON_ENHANCED_AMOUNT",
		"limit":    "ON_LIMIT",
	}
	amountPattern = regexp.MustCompile(`\d+(\.\d+)?`)
)

// BuildFeeRequest derives a feeengine.Request from free text and the
// classifier's extracted entities — the last-mile binding between raw
// user input and C2's typed contract, in the same keyword-matching style
// package classifier uses rather than a statistical extractor. Exported
// so the direct (non-conversational) fees/query endpoint can reuse the
// same extraction instead of duplicating it.
func BuildFeeRequest(query string, entities classifier.Entities, asOf time.Time) feeengine.Request {
	lower := strings.ToLower(query)

	disc := ruledb.Discriminators{
		CardCategory: entities.CardCategory,
		CardNetwork:  entities.CardNetwork,
		CardProduct:  entities.CardProduct,
		LoanProduct:  entities.LoanProduct,
	}
	for phrase, chargeType := range chargeTypeKeywords {
		if strings.Contains(lower, phrase) {
			disc.ChargeType = chargeType
			break
		}
	}
	for phrase, chargeContext := range chargeContextKeywords {
		if strings.Contains(lower, phrase) {
			disc.ChargeContext = chargeContext
			break
		}
	}

	productLine := ruledb.ProductCreditCard
	switch {
	case entities.LoanProduct != "":
		productLine = ruledb.ProductRetailAsset
	case strings.Contains(lower, "skybanking"):
		productLine = ruledb.ProductSkyBanking
	case strings.Contains(lower, "priority banking"):
		productLine = ruledb.ProductPriorityBank
	}

	req := feeengine.Request{
		ProductLine:    productLine,
		Discriminators: disc,
		AsOf:           asOf,
	}

	if m := amountPattern.FindString(lower); m != "" {
		if amt, err := decimal.NewFromString(m); err == nil {
			req.Amount = amt
			req.HasAmount = true
		}
	}
	switch {
	case strings.Contains(lower, "usd") || strings.Contains(lower, "dollar"):
		req.Currency = "USD"
	case strings.Contains(lower, "bdt") || strings.Contains(lower, "taka"):
		req.Currency = "BDT"
	}

	return req
}
