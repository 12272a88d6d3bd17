package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sitekb/knowledge"
	"sitekb/llm"
	"sitekb/logging"
)

const classifyPreviewChars = 500

var urlPatterns = []struct {
	docType  knowledge.DocumentType
	segments []string
}{
	{knowledge.DocumentFAQ, []string{"faq", "faqs", "questions", "help"}},
	{knowledge.DocumentTestimonial, []string{"testimonial", "testimonials", "reviews", "review", "case-studies", "case-study"}},
	{knowledge.DocumentContact, []string{"contact", "contact-us", "locations", "location", "find-us"}},
	{knowledge.DocumentAbout, []string{"about", "about-us", "team", "our-team", "our-story", "company", "history"}},
	{knowledge.DocumentBlog, []string{"blog", "news", "articles", "article", "posts", "post", "insights"}},
	{knowledge.DocumentService, []string{"services", "service", "products", "product", "solutions", "pricing", "offerings"}},
}

var contentKeywords = []struct {
	docType  knowledge.DocumentType
	keywords []string
}{
	{knowledge.DocumentFAQ, []string{"frequently asked questions", "faq"}},
	{knowledge.DocumentTestimonial, []string{"testimonial", "what our clients say", "what our customers say", "customer reviews"}},
	{knowledge.DocumentContact, []string{"contact us", "get in touch", "send us a message"}},
	{knowledge.DocumentAbout, []string{"about us", "our story", "our mission", "meet the team"}},
	{knowledge.DocumentService, []string{"our services", "what we offer", "our products", "pricing"}},
	{knowledge.DocumentBlog, []string{"posted on", "min read"}},
}

// Classifier labels documents. With a generator it asks the model first and falls back
// to URL and keyword rules when the call fails or returns an unknown label.
type Classifier struct {
	generator llm.Generator
}

func NewClassifier(generator llm.Generator) *Classifier {
	return &Classifier{generator: generator}
}

func (c *Classifier) Classify(ctx context.Context, pageURL, title, content string) knowledge.DocumentType {
	if c == nil || c.generator == nil {
		return ClassifyByRules(pageURL, title, content)
	}

	prompt := fmt.Sprintf(
		"Classify this web page into exactly one category: %s.\n\nURL: %s\nTitle: %s\nContent preview:\n%s\n\nRespond with the category label only.",
		labelList(), pageURL, title, knowledge.TruncateRunes(content, classifyPreviewChars),
	)
	result, err := c.generator.Generate(ctx, llm.CompletionRequest{
		SystemPrompt: "You classify website pages for a content knowledge base.",
		UserPrompt:   prompt,
		MaxTokens:    10,
		Temperature:  llm.Float64(0),
	})
	if err != nil {
		logging.From(ctx).Debug("crawler: classification call failed, using rules", slog.String("url", pageURL), slog.Any("error", err))
		return ClassifyByRules(pageURL, title, content)
	}

	label := strings.Fields(result.Content)
	if len(label) > 0 {
		if docType, ok := knowledge.ParseDocumentType(label[0]); ok {
			return docType
		}
	}
	logging.From(ctx).Debug("crawler: classifier returned unknown label", slog.String("url", pageURL), slog.String("label", result.Content))
	return ClassifyByRules(pageURL, title, content)
}

// ClassifyByRules is the deterministic classifier: URL path segments first, then
// title and content keywords, then page.
func ClassifyByRules(pageURL, title, content string) knowledge.DocumentType {
	lowerURL := strings.ToLower(pageURL)
	if parsed, err := NormalizeURL(pageURL); err == nil {
		lowerURL = strings.ToLower(parsed.Path)
	}
	segments := strings.FieldsFunc(lowerURL, func(r rune) bool { return r == '/' || r == '.' })
	for _, pattern := range urlPatterns {
		for _, segment := range segments {
			for _, candidate := range pattern.segments {
				if segment == candidate {
					return pattern.docType
				}
			}
		}
	}

	lowerTitle := strings.ToLower(title)
	for _, rule := range contentKeywords {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowerTitle, keyword) {
				return rule.docType
			}
		}
	}

	preview := strings.ToLower(knowledge.TruncateRunes(content, classifyPreviewChars))
	for _, rule := range contentKeywords {
		for _, keyword := range rule.keywords {
			if strings.Contains(preview, keyword) {
				return rule.docType
			}
		}
	}
	return knowledge.DocumentPage
}

func labelList() string {
	labels := make([]string, len(knowledge.DocumentTypes))
	for i, docType := range knowledge.DocumentTypes {
		labels[i] = string(docType)
	}
	return strings.Join(labels, ", ")
}
