package kb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/rag"
)

type staticRetriever struct {
	results []knowledge.QueryResult
	err     error
}

func (r staticRetriever) Retrieve(ctx context.Context, q rag.Query) ([]knowledge.QueryResult, error) {
	return r.results, r.err
}

func someContext() staticRetriever {
	return staticRetriever{results: []knowledge.QueryResult{{
		ID:       "acme-page_x_0",
		Score:    0.9,
		Metadata: knowledge.RecordMetadata{Title: "Home", Content: "Acme Plumbing serves homeowners."},
	}}}
}

func newTestSynthesizer(t *testing.T, retriever Retriever, generator llm.Generator) *Synthesizer {
	t.Helper()
	synthesizer, err := NewSynthesizer(retriever, generator)
	require.NoError(t, err)
	return synthesizer
}

func passErrors(t *testing.T, errs []error) map[string]*ProfileParseError {
	t.Helper()
	out := make(map[string]*ProfileParseError, len(errs))
	for _, err := range errs {
		var parseErr *ProfileParseError
		require.ErrorAs(t, err, &parseErr)
		out[parseErr.Pass] = parseErr
	}
	return out
}

func TestSynthesize_AllPassesSucceed(t *testing.T) {
	generator := &scriptedGenerator{replies: defaultReplies()}
	profile, errs := newTestSynthesizer(t, someContext(), generator).Synthesize(context.Background(), "acme", "https://www.acme.test")

	assert.Empty(t, errs)
	assert.Equal(t, 4, generator.calls)
	assert.Equal(t, "warm and direct", profile.BrandVoice.Tone)
	assert.Equal(t, []string{"be specific"}, profile.ContentGuidelines.Do)
	assert.Equal(t, "Acme Plumbing", profile.BusinessContext.CompanyName)
	assert.False(t, profile.GeneratedAt.IsZero())
}

func TestSynthesize_PlaceholderCompanyNameFallsBack(t *testing.T) {
	generator := &scriptedGenerator{replies: defaultReplies()}
	generator.set("business itself", `{"businessContext": {"companyName": "extracted name", "industry": "plumbing"}}`)

	profile, errs := newTestSynthesizer(t, someContext(), generator).Synthesize(context.Background(), "acme", "https://www.acme.test")

	failures := passErrors(t, errs)
	require.Len(t, failures, 1)
	assert.Equal(t, "placeholder value", failures["business_context"].Reason)

	assert.Equal(t, DefaultBusinessContext("https://www.acme.test"), profile.BusinessContext)
	assert.Equal(t, "acme.test", profile.BusinessContext.CompanyName)
	assert.Equal(t, "warm and direct", profile.BrandVoice.Tone)
	assert.Equal(t, "homeowners", profile.TargetAudience.PrimaryAudience)
	assert.Len(t, profile.Services, 1)
}

func TestSynthesize_SchemaViolations(t *testing.T) {
	generator := &scriptedGenerator{replies: defaultReplies()}
	generator.set("brand voice", `{"brandVoice": {"tone": "calm", "mood": "sunny"}, "contentGuidelines": {}}`)
	generator.set("audience", `{"targetAudience": {"demographics": ["adults"]}}`)
	generator.set("services or prod", `Sorry, I cannot help with that.`)

	profile, errs := newTestSynthesizer(t, someContext(), generator).Synthesize(context.Background(), "acme", "https://acme.test")

	failures := passErrors(t, errs)
	require.Len(t, failures, 3)
	assert.Equal(t, "schema violation", failures["brand_voice"].Reason)
	assert.Equal(t, "schema violation", failures["target_audience"].Reason)
	assert.ErrorIs(t, failures["services"], llm.ErrNoJSONObject)

	assert.Equal(t, DefaultBrandVoice(), profile.BrandVoice)
	assert.Equal(t, DefaultContentGuidelines(), profile.ContentGuidelines)
	assert.Equal(t, DefaultTargetAudience(), profile.TargetAudience)
	assert.Empty(t, profile.Services)
	assert.NotNil(t, profile.Services)
	assert.Equal(t, "Acme Plumbing", profile.BusinessContext.CompanyName)
}

func TestSynthesize_EmptyRetrievalUsesDefaults(t *testing.T) {
	generator := &scriptedGenerator{replies: defaultReplies()}
	profile, errs := newTestSynthesizer(t, staticRetriever{}, generator).Synthesize(context.Background(), "acme", "https://acme.test")

	failures := passErrors(t, errs)
	require.Len(t, failures, 4)
	for _, failure := range failures {
		assert.Equal(t, "no context retrieved", failure.Reason)
	}
	assert.Equal(t, 0, generator.calls)
	assert.Equal(t, DefaultBrandVoice(), profile.BrandVoice)
	assert.Equal(t, "acme.test", profile.BusinessContext.CompanyName)
}

type brokenGenerator struct{}

func (brokenGenerator) Generate(ctx context.Context, req llm.CompletionRequest) (llm.ChatResult, error) {
	return llm.ChatResult{}, &llm.GenerationError{Provider: "openai", Err: errors.New("quota exceeded")}
}

func TestSynthesize_GenerationFailureIsLocal(t *testing.T) {
	_, errs := newTestSynthesizer(t, someContext(), brokenGenerator{}).Synthesize(context.Background(), "acme", "https://acme.test")
	require.Len(t, errs, 4)
	var genErr *llm.GenerationError
	assert.ErrorAs(t, errs[0], &genErr)
}

func TestIsPlaceholder(t *testing.T) {
	placeholders := []string{"extracted name", "Company Name", " N/A ", "[Your Company]", "<insert phone>", "info@example.com", "Lorem ipsum dolor", "unknown."}
	for _, value := range placeholders {
		assert.True(t, isPlaceholder(value), value)
	}
	real := []string{"Acme Plumbing", "for example, drains", "Named after our founder", ""}
	for _, value := range real {
		assert.False(t, isPlaceholder(value), value)
	}
}

func TestCleanServices(t *testing.T) {
	require.NoError(t, cleanServices(&servicesPayload{Services: []knowledge.Service{}}))

	payload := servicesPayload{Services: []knowledge.Service{{Name: "TBD"}, {Name: "[service]"}}}
	assert.Error(t, cleanServices(&payload))
}
