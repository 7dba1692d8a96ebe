// internal/models/template.go
package models

// ParameterOrigin says where a template parameter's value comes from.
type ParameterOrigin string

const (
	OriginTenantField    ParameterOrigin = "tenant_field"
	OriginRecipientField ParameterOrigin = "recipient_field"
	OriginComputed       ParameterOrigin = "computed"
)

// ParameterBinding binds one positional template slot to a data source.
// Path is a field path for tenant/recipient origins and a registered formula
// name for computed origins.
type ParameterBinding struct {
	Name   string          `json:"name"`
	Origin ParameterOrigin `json:"origin"`
	Path   string          `json:"path"`
}

// TemplateSpec describes an approved channel template. Parameter order must
// match the channel's positional slots exactly.
type TemplateSpec struct {
	TemplateName string             `json:"templateName"`
	LanguageCode string             `json:"languageCode"`
	Parameters   []ParameterBinding `json:"parameters"`
}

// RenderedMessage is a fully resolved outbound payload, ready to dispatch.
type RenderedMessage struct {
	TemplateName      string   `json:"templateName"`
	LanguageCode      string   `json:"languageCode"`
	OrderedParameters []string `json:"orderedParameters"`
}
