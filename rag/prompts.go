package rag

import (
	"fmt"
	"strings"

	"sitekb/knowledge"
)

// buildContextBlock renders results as "[title]\ncontent" sections.
func buildContextBlock(results []knowledge.QueryResult) string {
	if len(results) == 0 {
		return ""
	}
	sections := make([]string, 0, len(results))
	for _, result := range results {
		title := result.Metadata.Title
		if title == "" {
			title = result.Metadata.URL
		}
		sections = append(sections, fmt.Sprintf("[%s]\n%s", title, result.Metadata.Content))
	}
	return strings.Join(sections, "\n\n")
}

func buildSystemPrompt(profile *knowledge.BusinessProfile) string {
	var b strings.Builder
	b.WriteString("You are a content assistant for a business website. Answer using the website context provided and stay consistent with the brand.\n\n")

	if profile == nil {
		b.WriteString("Brand voice: professional, friendly and clear.\n")
		b.WriteString("Target audience: general visitors of the website.\n")
		b.WriteString("\nIf the context does not contain the answer, say so briefly instead of inventing details.")
		return b.String()
	}

	voice := profile.BrandVoice
	b.WriteString("Brand voice: " + orDefault(voice.Tone, "professional and friendly") + "\n")
	writeList(&b, "Personality", voice.Personality)
	if voice.WritingStyle != "" {
		b.WriteString("Writing style: " + voice.WritingStyle + "\n")
	}

	audience := profile.TargetAudience
	b.WriteString("Target audience: " + orDefault(audience.PrimaryAudience, "general visitors of the website") + "\n")
	writeList(&b, "Audience pain points", audience.PainPoints)
	writeList(&b, "Audience goals", audience.Goals)

	business := profile.BusinessContext
	if business.CompanyName != "" {
		b.WriteString("Company: " + business.CompanyName + "\n")
	}
	if business.Industry != "" {
		b.WriteString("Industry: " + business.Industry + "\n")
	}
	if business.Description != "" {
		b.WriteString("About the business: " + business.Description + "\n")
	}
	if business.UniqueValue != "" {
		b.WriteString("What sets it apart: " + business.UniqueValue + "\n")
	}

	guidelines := profile.ContentGuidelines
	writeList(&b, "Do", guidelines.Do)
	writeList(&b, "Avoid", guidelines.Avoid)
	writeList(&b, "Preferred keywords", guidelines.Keywords)

	b.WriteString("\nIf the context does not contain the answer, say so briefly instead of inventing details.")
	return b.String()
}

func buildUserPrompt(query, contextBlock string) string {
	var b strings.Builder
	b.WriteString("Website context:\n")
	if contextBlock == "" {
		b.WriteString("(no relevant context found)\n")
	} else {
		b.WriteString(contextBlock)
		b.WriteString("\n")
	}
	b.WriteString("\nRequest: ")
	b.WriteString(query)
	return b.String()
}

func writeList(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	b.WriteString(label + ": " + strings.Join(values, "; ") + "\n")
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
