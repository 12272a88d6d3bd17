package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/sync/errgroup"

	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/logging"
	"sitekb/rag"
)

const (
	passSimilarityThreshold = 0.5
	passMaxResults          = 6
	passMaxTokens           = 800
)

// ProfileParseError reports a business-intelligence pass whose output was rejected.
type ProfileParseError struct {
	Pass   string
	Reason string
	Err    error
}

func (e *ProfileParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kb: profile pass %s: %s: %v", e.Pass, e.Reason, e.Err)
	}
	return fmt.Sprintf("kb: profile pass %s: %s", e.Pass, e.Reason)
}

func (e *ProfileParseError) Unwrap() error { return e.Err }

// Retriever returns indexed context above a similarity threshold. *rag.Service satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, q rag.Query) ([]knowledge.QueryResult, error)
}

type voicePayload struct {
	BrandVoice        knowledge.BrandVoice        `json:"brandVoice"`
	ContentGuidelines knowledge.ContentGuidelines `json:"contentGuidelines"`
}

type audiencePayload struct {
	TargetAudience knowledge.TargetAudience `json:"targetAudience"`
}

type businessPayload struct {
	BusinessContext knowledge.BusinessContext `json:"businessContext"`
	ContactInfo     knowledge.ContactInfo     `json:"contactInfo,omitempty"`
}

type servicesPayload struct {
	Services []knowledge.Service `json:"services"`
}

// profilePass is one retrieval and generation round producing part of the profile.
type profilePass struct {
	name        string
	query       string
	instruction string
	schemaText  string
	// parse validates the model output and returns a func writing it into a profile.
	parse func(raw string) (func(*knowledge.BusinessProfile), error)
	// fallback writes the default sub-profile.
	fallback func(profile *knowledge.BusinessProfile, baseURL string)
}

func newPass[T any](name, query, instruction string, clean func(*T) error, apply func(*knowledge.BusinessProfile, *T), fallback func(*knowledge.BusinessProfile, string)) (*profilePass, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("kb: %s schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("kb: resolve %s schema: %w", name, err)
	}
	schemaText, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("kb: encode %s schema: %w", name, err)
	}

	return &profilePass{
		name:        name,
		query:       query,
		instruction: instruction,
		schemaText:  string(schemaText),
		fallback:    fallback,
		parse: func(raw string) (func(*knowledge.BusinessProfile), error) {
			object, err := llm.ExtractJSONObject(raw)
			if err != nil {
				return nil, &ProfileParseError{Pass: name, Reason: "no json object", Err: err}
			}
			var instance any
			if err := json.Unmarshal([]byte(object), &instance); err != nil {
				return nil, &ProfileParseError{Pass: name, Reason: "invalid json", Err: err}
			}
			if err := resolved.Validate(instance); err != nil {
				return nil, &ProfileParseError{Pass: name, Reason: "schema violation", Err: err}
			}
			var payload T
			if err := json.Unmarshal([]byte(object), &payload); err != nil {
				return nil, &ProfileParseError{Pass: name, Reason: "decode", Err: err}
			}
			if err := clean(&payload); err != nil {
				return nil, &ProfileParseError{Pass: name, Reason: "placeholder value", Err: err}
			}
			return func(profile *knowledge.BusinessProfile) { apply(profile, &payload) }, nil
		},
	}, nil
}

// Synthesizer derives a BusinessProfile from a site's indexed content.
type Synthesizer struct {
	retriever Retriever
	generator llm.Generator
	passes    []*profilePass
	now       func() time.Time
}

func NewSynthesizer(retriever Retriever, generator llm.Generator) (*Synthesizer, error) {
	if retriever == nil {
		return nil, errors.New("kb: retriever is required")
	}
	if generator == nil {
		return nil, errors.New("kb: generator is required")
	}
	passes, err := buildPasses()
	if err != nil {
		return nil, err
	}
	return &Synthesizer{retriever: retriever, generator: generator, passes: passes, now: time.Now}, nil
}

func buildPasses() ([]*profilePass, error) {
	voice, err := newPass("brand_voice",
		"brand voice tone personality writing style values mission",
		"Describe the brand voice and the content guidelines the site follows.",
		cleanVoice,
		func(p *knowledge.BusinessProfile, v *voicePayload) {
			p.BrandVoice = v.BrandVoice
			p.ContentGuidelines = v.ContentGuidelines
		},
		func(p *knowledge.BusinessProfile, _ string) {
			p.BrandVoice = DefaultBrandVoice()
			p.ContentGuidelines = DefaultContentGuidelines()
		})
	if err != nil {
		return nil, err
	}

	audience, err := newPass("target_audience",
		"customers clients who we serve audience needs problems goals",
		"Describe the audience the business targets.",
		cleanAudience,
		func(p *knowledge.BusinessProfile, v *audiencePayload) { p.TargetAudience = v.TargetAudience },
		func(p *knowledge.BusinessProfile, _ string) { p.TargetAudience = DefaultTargetAudience() })
	if err != nil {
		return nil, err
	}

	business, err := newPass("business_context",
		"about us company history location contact phone email address",
		"Describe the business itself and how to contact it. companyName must be the name as written on the site.",
		cleanBusiness,
		func(p *knowledge.BusinessProfile, v *businessPayload) {
			p.BusinessContext = v.BusinessContext
			p.ContactInfo = v.ContactInfo
		},
		func(p *knowledge.BusinessProfile, baseURL string) {
			p.BusinessContext = DefaultBusinessContext(baseURL)
			p.ContactInfo = knowledge.ContactInfo{}
		})
	if err != nil {
		return nil, err
	}

	services, err := newPass("services",
		"services products offerings pricing packages what we do",
		"List the services or products the business offers.",
		cleanServices,
		func(p *knowledge.BusinessProfile, v *servicesPayload) { p.Services = v.Services },
		func(p *knowledge.BusinessProfile, _ string) { p.Services = []knowledge.Service{} })
	if err != nil {
		return nil, err
	}

	return []*profilePass{voice, audience, business, services}, nil
}

// Synthesize runs every pass. A failed pass contributes its default sub-profile and a
// *ProfileParseError in the returned slice; the profile itself is always complete.
func (s *Synthesizer) Synthesize(ctx context.Context, siteID, baseURL string) (*knowledge.BusinessProfile, []error) {
	appliers := make([]func(*knowledge.BusinessProfile), len(s.passes))
	failures := make([]error, len(s.passes))

	var g errgroup.Group
	for i, pass := range s.passes {
		g.Go(func() error {
			apply, err := s.runPass(ctx, siteID, pass)
			if err != nil {
				failures[i] = err
				appliers[i] = func(p *knowledge.BusinessProfile) { pass.fallback(p, baseURL) }
				return nil
			}
			appliers[i] = apply
			return nil
		})
	}
	_ = g.Wait()

	profile := &knowledge.BusinessProfile{Services: []knowledge.Service{}, GeneratedAt: s.now().UTC()}
	var errs []error
	for i, apply := range appliers {
		apply(profile)
		if failures[i] != nil {
			errs = append(errs, failures[i])
		}
	}
	return profile, errs
}

func (s *Synthesizer) runPass(ctx context.Context, siteID string, pass *profilePass) (func(*knowledge.BusinessProfile), error) {
	threshold := passSimilarityThreshold
	results, err := s.retriever.Retrieve(ctx, rag.Query{
		SiteID:              siteID,
		Query:               pass.query,
		MaxResults:          passMaxResults,
		SimilarityThreshold: &threshold,
	})
	if err != nil {
		return nil, &ProfileParseError{Pass: pass.name, Reason: "retrieval failed", Err: err}
	}
	if len(results) == 0 {
		return nil, &ProfileParseError{Pass: pass.name, Reason: "no context retrieved"}
	}

	completion, err := s.generator.Generate(ctx, llm.CompletionRequest{
		SystemPrompt: "You extract structured facts about a business from its website. Reply with one JSON object that matches the schema exactly. Use only facts stated in the context; leave optional fields out when the context does not state them.",
		UserPrompt:   passPrompt(pass, results),
		MaxTokens:    passMaxTokens,
		Temperature:  llm.Float64(0.2),
	})
	if err != nil {
		return nil, &ProfileParseError{Pass: pass.name, Reason: "generation failed", Err: err}
	}

	apply, err := pass.parse(completion.Content)
	if err != nil {
		logging.From(ctx).Debug("kb: rejected pass output", slog.String("pass", pass.name), slog.String("output", completion.Content))
		return nil, err
	}
	return apply, nil
}

func passPrompt(pass *profilePass, results []knowledge.QueryResult) string {
	var b strings.Builder
	b.WriteString("JSON Schema:\n")
	b.WriteString(pass.schemaText)
	b.WriteString("\n\nWebsite context:\n")
	for i, result := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", result.Metadata.Title, result.Metadata.Content)
	}
	b.WriteString("\n\nTask: ")
	b.WriteString(pass.instruction)
	return b.String()
}

func DefaultBrandVoice() knowledge.BrandVoice {
	return knowledge.BrandVoice{
		Tone:         "professional and friendly",
		Personality:  []string{"helpful", "trustworthy"},
		WritingStyle: "clear and concise",
	}
}

func DefaultContentGuidelines() knowledge.ContentGuidelines {
	return knowledge.ContentGuidelines{
		Do:    []string{"use plain language", "focus on customer benefits"},
		Avoid: []string{"unexplained jargon", "claims the site does not make"},
	}
}

func DefaultTargetAudience() knowledge.TargetAudience {
	return knowledge.TargetAudience{PrimaryAudience: "general visitors of the website"}
}

// DefaultBusinessContext names the business after the site's host.
func DefaultBusinessContext(baseURL string) knowledge.BusinessContext {
	name := ""
	if u, err := url.Parse(strings.TrimSpace(baseURL)); err == nil {
		name = strings.TrimPrefix(u.Hostname(), "www.")
	}
	return knowledge.BusinessContext{CompanyName: name}
}
