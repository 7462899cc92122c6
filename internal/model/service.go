package model

import "strings"

// ServiceType keys a balance: one usable unit of a service is one credit.
type ServiceType string

const (
	ServiceLeadLookup        ServiceType = "lead_lookup"
	ServiceCompanyEnrichment ServiceType = "company_enrichment"
	ServiceEmailVerification ServiceType = "email_verification"
	ServiceTechStackLookup   ServiceType = "tech_stack_lookup"
	ServiceCRMWrite          ServiceType = "crm_write"
	ServiceWhatsAppMessages  ServiceType = "whatsapp_messages"
)

// ServiceTypes lists every known service type in a stable order.
var ServiceTypes = []ServiceType{
	ServiceLeadLookup,
	ServiceCompanyEnrichment,
	ServiceEmailVerification,
	ServiceTechStackLookup,
	ServiceCRMWrite,
	ServiceWhatsAppMessages,
}

func (t ServiceType) String() string { return string(t) }

func (t ServiceType) Valid() bool {
	for _, s := range ServiceTypes {
		if s == t {
			return true
		}
	}
	return false
}

// ParseServiceType normalizes input.
// Returns (value, true) if valid; otherwise ("", false).
func ParseServiceType(s string) (ServiceType, bool) {
	t := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", false
	}
	return t, true
}
