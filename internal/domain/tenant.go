package domain

import "time"

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// Tenant is the owner of calls, events, and delivery logs. The core never
// mutates tenants; they are managed by the provisioning service and read here
// to resolve webhooks and sign outbound deliveries.
type Tenant struct {
	ID     string       `json:"id"`
	Slug   string       `json:"slug"`
	Status TenantStatus `json:"status"`

	// Provider credentials.
	TwilioAccountSID string   `json:"twilio_account_sid,omitempty"`
	TwilioAuthToken  string   `json:"-"`
	VapiSecret       string   `json:"-"`
	PhoneNumbers     []string `json:"phone_numbers,omitempty"`

	// Outbound delivery endpoint.
	WebhookURL    string  `json:"webhook_url,omitempty"`
	WebhookSecret *string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Tenant) Active() bool {
	return t.Status == TenantStatusActive
}

// OwnsNumber reports whether the tenant has claimed the given phone number.
// Numbers are compared verbatim; normalization happens at the provider edge.
func (t *Tenant) OwnsNumber(number string) bool {
	if number == "" {
		return false
	}
	for _, n := range t.PhoneNumbers {
		if n == number {
			return true
		}
	}
	return false
}
