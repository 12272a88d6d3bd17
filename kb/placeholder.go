package kb

import (
	"fmt"
	"strings"
)

// placeholderValues are template answers models emit when the context lacks a fact.
var placeholderValues = map[string]struct{}{
	"extracted name":    {},
	"company name":      {},
	"business name":     {},
	"your company":      {},
	"your company name": {},
	"name":              {},
	"string":            {},
	"placeholder":       {},
	"example":           {},
	"unknown":           {},
	"n/a":               {},
	"na":                {},
	"none":              {},
	"null":              {},
	"tbd":               {},
	"not specified":     {},
	"not available":     {},
	"not provided":      {},
	"not mentioned":     {},
	"xxx":               {},
	"...":               {},
}

var placeholderFragments = []string{
	"lorem ipsum",
	"example.com",
	"[insert",
	"<insert",
	"{{",
	"123-456-7890",
	"555-555",
}

// isPlaceholder reports whether value looks like template text rather than a real fact.
func isPlaceholder(value string) bool {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return false
	}
	if (strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]")) ||
		(strings.HasPrefix(normalized, "<") && strings.HasSuffix(normalized, ">")) {
		return true
	}
	if _, ok := placeholderValues[strings.Trim(normalized, " .:;!\"'")]; ok {
		return true
	}
	for _, fragment := range placeholderFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

func requireReal(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if isPlaceholder(value) {
		return fmt.Errorf("%s is a placeholder: %q", field, value)
	}
	return nil
}

func dropPlaceholder(value *string) {
	*value = strings.TrimSpace(*value)
	if isPlaceholder(*value) {
		*value = ""
	}
}

func dropPlaceholders(values []string) []string {
	if len(values) == 0 {
		return values
	}
	kept := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || isPlaceholder(value) {
			continue
		}
		kept = append(kept, value)
	}
	return kept
}

func cleanVoice(v *voicePayload) error {
	if err := requireReal("tone", v.BrandVoice.Tone); err != nil {
		return err
	}
	v.BrandVoice.Personality = dropPlaceholders(v.BrandVoice.Personality)
	dropPlaceholder(&v.BrandVoice.WritingStyle)
	v.ContentGuidelines.Do = dropPlaceholders(v.ContentGuidelines.Do)
	v.ContentGuidelines.Avoid = dropPlaceholders(v.ContentGuidelines.Avoid)
	v.ContentGuidelines.Keywords = dropPlaceholders(v.ContentGuidelines.Keywords)
	return nil
}

func cleanAudience(v *audiencePayload) error {
	audience := &v.TargetAudience
	if err := requireReal("primaryAudience", audience.PrimaryAudience); err != nil {
		return err
	}
	audience.Demographics = dropPlaceholders(audience.Demographics)
	audience.PainPoints = dropPlaceholders(audience.PainPoints)
	audience.Goals = dropPlaceholders(audience.Goals)
	return nil
}

func cleanBusiness(v *businessPayload) error {
	business := &v.BusinessContext
	if err := requireReal("companyName", business.CompanyName); err != nil {
		return err
	}
	for _, field := range []*string{&business.Industry, &business.Description, &business.UniqueValue, &business.Location, &business.YearsInOperation} {
		dropPlaceholder(field)
	}
	contact := &v.ContactInfo
	for _, field := range []*string{&contact.Email, &contact.Phone, &contact.Address, &contact.Hours} {
		dropPlaceholder(field)
	}
	return nil
}

// cleanServices drops placeholder entries and fails only when nothing real remains.
func cleanServices(v *servicesPayload) error {
	kept := v.Services[:0]
	for _, service := range v.Services {
		if requireReal("service name", service.Name) != nil {
			continue
		}
		dropPlaceholder(&service.Description)
		kept = append(kept, service)
	}
	if len(kept) == 0 && len(v.Services) > 0 {
		return fmt.Errorf("all %d services are placeholders", len(v.Services))
	}
	v.Services = kept
	return nil
}
