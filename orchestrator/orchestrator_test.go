package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/analyticsrec"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/directory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/disambiguation"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/feeengine"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/memory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/provider"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/retrieval"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
)

// fakeStream yields a fixed sequence of SSE frames shaped like the
// OpenAI-compatible delta format extractDelta parses.
type fakeStream struct {
	frames [][]byte
	idx    int
}

func newFakeStream(reply string) *fakeStream {
	return &fakeStream{frames: [][]byte{
		[]byte(fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, reply)),
		[]byte(`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`),
	}}
}

func (f *fakeStream) Next() ([]byte, error) {
	if f.idx >= len(f.frames) {
		return nil, io.EOF
	}
	frame := f.frames[f.idx]
	f.idx++
	return frame, nil
}

func (f *fakeStream) Close() error { return nil }

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	replies []string
}

func (p *fakeProvider) Name() string { return "test" }

func (p *fakeProvider) ChatCompletion(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, nil
}

func (p *fakeProvider) ChatCompletionStream(context.Context, *provider.ChatRequest) (provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reply := "That will be answered by the assistant."
	if p.calls < len(p.replies) {
		reply = p.replies[p.calls]
	}
	p.calls++
	return newFakeStream(reply), nil
}

func (p *fakeProvider) Embeddings(context.Context, *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return nil, nil
}

func (p *fakeProvider) HealthCheck(context.Context) provider.HealthStatus { return provider.HealthStatus{Healthy: true} }

func (p *fakeProvider) Models() []string { return []string{"test-model"} }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	results []retrieval.Passage
}

func (f *fakeSource) Fetch(context.Context, string, string) ([]retrieval.Passage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.results, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu   sync.Mutex
	text strings.Builder
}

func (s *recordingSink) WriteDelta(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(text)
	return nil
}

func (s *recordingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func newTestOrchestrator(t *testing.T, src *fakeSource, prov *fakeProvider, employees []directory.Employee) (*Orchestrator, *analyticsrec.Recorder, *ruledb.Store) {
	t.Helper()

	retrievalClient, err := retrieval.New(zerolog.Nop(), src, time.Hour, "annual-report-.*")
	if err != nil {
		t.Fatalf("new retrieval client: %v", err)
	}

	feeStore := ruledb.New()
	disambig := disambiguation.New(disambiguation.NewMemoryBackend())
	feeResolver := feeengine.New(feeStore, disambig, 15*time.Minute)

	registry := provider.NewRegistry()
	registry.Register(prov)

	analytics := analyticsrec.New(zerolog.Nop(), analyticsrec.NopSink{}, analyticsrec.PipelineConfig{
		BufferSize: 100, BatchSize: 10, FlushInterval: 5 * time.Millisecond, MaxRetries: 1, RetryDelay: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	analytics.Start(ctx)
	t.Cleanup(analytics.Stop)

	o := New(Dependencies{
		Directory:         directory.New(employees),
		Retrieval:         retrievalClient,
		FeeResolver:       feeResolver,
		Disambiguation:    disambig,
		Memory:            memory.New(10),
		Analytics:         analytics,
		Providers:         registry,
		ModelProvider:     "test",
		ModelName:         "test-model",
		Temperature:       0.2,
		MaxTokens:         512,
		RetrievalTimeout:  time.Second,
		FeeEngineTimeout:  time.Second,
		ModelTotalTimeout: time.Second,
		Logger:            zerolog.Nop(),
	})
	return o, analytics, feeStore
}

func waitForHistory(t *testing.T, analytics *analyticsrec.Recorder, sessionID string, want int) []analyticsrec.Turn {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h := analytics.History(sessionID)
		if len(h) >= want {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d analytics turns for session %s", want, sessionID)
	return nil
}

func TestRunTurnSmallTalk(t *testing.T) {
	prov := &fakeProvider{replies: []string{"Hello! How can I help you today?"}}
	o, analytics, _ := newTestOrchestrator(t, &fakeSource{}, prov, nil)

	sink := &recordingSink{}
	result := o.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Query: "hello there"}, sink)

	if result.BackingSource != analyticsrec.SourceModelOnly {
		t.Fatalf("expected model-only backing source, got %s", result.BackingSource)
	}
	if !result.WasAnswered {
		t.Fatal("expected small talk turn to be answered")
	}
	if sink.String() == "" {
		t.Fatal("expected streamed text on the sink")
	}
	waitForHistory(t, analytics, "s1", 1)
}

func TestRunTurnDirectoryNeverInvokesRetrieval(t *testing.T) {
	src := &fakeSource{results: []retrieval.Passage{{SourceID: "doc", Text: "irrelevant"}}}
	prov := &fakeProvider{}
	employees := []directory.Employee{
		{ID: "E1", Name: "Jane Doe", Email: "jane@bank.example", Mobile: "555-1111", Department: "Operations", Designation: "Manager"},
	}
	o, analytics, _ := newTestOrchestrator(t, src, prov, employees)

	sink := &recordingSink{}
	result := o.RunTurn(context.Background(), TurnRequest{SessionID: "s2", Query: "who is jane doe"}, sink)

	if result.BackingSource != analyticsrec.SourceDirectory {
		t.Fatalf("expected directory backing source, got %s", result.BackingSource)
	}
	if !result.WasAnswered {
		t.Fatal("expected a directory hit to be answered")
	}
	if !strings.Contains(result.Text, "Jane Doe") {
		t.Fatalf("expected directory answer to mention the employee, got %q", result.Text)
	}
	if prov.callCount() != 0 {
		t.Fatal("directory route must never invoke the model provider")
	}
	if src.callCount() != 0 {
		t.Fatal("directory isolation violated: retrieval source was invoked")
	}
	waitForHistory(t, analytics, "s2", 1)
}

func TestRunTurnCardFeesCalculated(t *testing.T) {
	prov := &fakeProvider{replies: []string{"The annual fee for your Platinum card is 11.50 USD."}}
	o, analytics, feeStore := newTestOrchestrator(t, &fakeSource{}, prov, nil)

	rule := ruledb.FeeRule{
		RuleID:        uuid.New(),
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ProductLine:   ruledb.ProductCreditCard,
		Discriminators: ruledb.Discriminators{
			ChargeType: "ANNUAL_FEE", CardProduct: "Platinum",
		},
		Fee:      ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromFloat(11.5), Currency: "USD"},
		Basis:    ruledb.BasisPerYear,
		Priority: 1,
		Status:   ruledb.StatusActive,
	}
	if err := feeStore.Insert(rule); err != nil {
		t.Fatalf("insert rule: %v", err)
	}

	sink := &recordingSink{}
	result := o.RunTurn(context.Background(), TurnRequest{SessionID: "s3", Query: "what is the annual fee for my platinum card", Now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, sink)

	if result.BackingSource != analyticsrec.SourceFeeEngine {
		t.Fatalf("expected fee-engine backing source, got %s", result.BackingSource)
	}
	if !result.WasAnswered {
		t.Fatal("expected calculated fee turn to be answered")
	}
	waitForHistory(t, analytics, "s3", 1)
}

func TestRunTurnCardFeesDisambiguationThenResume(t *testing.T) {
	prov := &fakeProvider{replies: []string{"The processing fee in that case is 250.00 BDT."}}
	o, _, feeStore := newTestOrchestrator(t, &fakeSource{}, prov, nil)

	base := ruledb.FeeRule{
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ProductLine:   ruledb.ProductRetailAsset,
		Fee:           ruledb.FeeValue{Kind: ruledb.FeeFixed, Amount: decimal.NewFromInt(250), Currency: "BDT"},
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

	if err := feeStore.Insert(onLimit); err != nil {
		t.Fatalf("insert onLimit: %v", err)
	}
	if err := feeStore.Insert(onEnhanced); err != nil {
		t.Fatalf("insert onEnhanced: %v", err)
	}

	sink := &recordingSink{}
	first := o.RunTurn(context.Background(), TurnRequest{SessionID: "s4", Query: "what is the processing fee for fast cash od", Now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, sink)
	if first.State != StateAwaitingDisambiguation {
		t.Fatalf("expected awaiting-disambiguation, got %s", first.State)
	}
	if len(first.DisambiguationOptions) != 2 {
		t.Fatalf("expected 2 options, got %d", len(first.DisambiguationOptions))
	}

	second := o.RunTurn(context.Background(), TurnRequest{SessionID: "s4", Query: "1"}, sink)
	if second.State != StateFinalized {
		t.Fatalf("expected finalized after resume, got %s (err=%v)", second.State, second.Err)
	}
	if second.BackingSource != analyticsrec.SourceFeeEngine {
		t.Fatalf("expected fee-engine backing source on resume, got %s", second.BackingSource)
	}
}

func TestRunTurnRetrievalUsesKnowledgeSource(t *testing.T) {
	src := &fakeSource{results: []retrieval.Passage{{SourceID: "policy-doc", Text: "Policies are reviewed annually."}}}
	prov := &fakeProvider{replies: []string{"Our policy is reviewed annually."}}
	o, analytics, _ := newTestOrchestrator(t, src, prov, nil)

	sink := &recordingSink{}
	result := o.RunTurn(context.Background(), TurnRequest{SessionID: "s5", Query: "what is your privacy policy"}, sink)

	if result.BackingSource != analyticsrec.SourceKnowledge {
		t.Fatalf("expected knowledge-store backing source, got %s", result.BackingSource)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "policy-doc" {
		t.Fatalf("expected sources to carry the passage's source id, got %+v", result.Sources)
	}
	waitForHistory(t, analytics, "s5", 1)
}
