package knowledge

import "time"

// BusinessProfile is the synthesized business-intelligence profile of a site.
type BusinessProfile struct {
	BrandVoice        BrandVoice        `json:"brandVoice"`
	TargetAudience    TargetAudience    `json:"targetAudience"`
	BusinessContext   BusinessContext   `json:"businessContext"`
	ContentGuidelines ContentGuidelines `json:"contentGuidelines"`
	Services          []Service         `json:"services"`
	ContactInfo       ContactInfo       `json:"contactInfo"`
	GeneratedAt       time.Time         `json:"generatedAt"`
}

type BrandVoice struct {
	Tone         string   `json:"tone" jsonschema:"overall tone of the brand, e.g. friendly and professional"`
	Personality  []string `json:"personality,omitempty" jsonschema:"personality traits the copy expresses"`
	WritingStyle string   `json:"writingStyle,omitempty" jsonschema:"how sentences are written"`
}

type TargetAudience struct {
	PrimaryAudience string   `json:"primaryAudience" jsonschema:"the main customer group"`
	Demographics    []string `json:"demographics,omitempty" jsonschema:"demographic traits"`
	PainPoints      []string `json:"painPoints,omitempty" jsonschema:"problems the audience wants solved"`
	Goals           []string `json:"goals,omitempty" jsonschema:"what the audience wants to achieve"`
}

type BusinessContext struct {
	CompanyName      string `json:"companyName" jsonschema:"the business name exactly as written on the site"`
	Industry         string `json:"industry,omitempty" jsonschema:"industry or sector"`
	Description      string `json:"description,omitempty" jsonschema:"one or two sentence summary of the business"`
	UniqueValue      string `json:"uniqueValue,omitempty" jsonschema:"what sets the business apart"`
	Location         string `json:"location,omitempty" jsonschema:"service area or headquarters"`
	YearsInOperation string `json:"yearsInOperation,omitempty" jsonschema:"how long the business has operated"`
}

type ContentGuidelines struct {
	Do       []string `json:"do,omitempty" jsonschema:"writing practices to follow"`
	Avoid    []string `json:"avoid,omitempty" jsonschema:"writing practices to avoid"`
	Keywords []string `json:"keywords,omitempty" jsonschema:"terms the site uses repeatedly"`
}

type Service struct {
	Name        string `json:"name" jsonschema:"service or product name"`
	Description string `json:"description,omitempty" jsonschema:"short description"`
}

type ContactInfo struct {
	Email   string `json:"email,omitempty" jsonschema:"contact email address"`
	Phone   string `json:"phone,omitempty" jsonschema:"contact phone number"`
	Address string `json:"address,omitempty" jsonschema:"postal address"`
	Hours   string `json:"hours,omitempty" jsonschema:"opening hours"`
}
