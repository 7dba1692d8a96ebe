// internal/models/tenant.go
package models

// Tenant is a business customer of the platform. Read-only to the engine.
type Tenant struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Timezone         string            `json:"timezone"` // IANA name, e.g. "America/Argentina/Buenos_Aires"
	ChannelAccountID string            `json:"channelAccountId"`
	Fields           map[string]string `json:"fields,omitempty"` // consumable as tenant_field bindings
}

// Recipient is the resolved target of one notification: a customer or an
// agent, flattened to what rendering and dispatch need.
type Recipient struct {
	ID     string            `json:"id"`
	Role   RecipientRole     `json:"role"`
	Phone  string            `json:"phone"`
	Fields map[string]string `json:"fields,omitempty"` // consumable as recipient_field bindings
}
