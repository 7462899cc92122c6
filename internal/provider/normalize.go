package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

var ErrMalformedPayload = errors.New("provider: malformed result payload")

// keyFields names the attribute that identifies a unit of work per service.
var keyFields = map[model.ServiceType]string{
	model.ServiceLeadLookup:        "linkedin_url",
	model.ServiceCompanyEnrichment: "domain",
	model.ServiceEmailVerification: "email",
	model.ServiceTechStackLookup:   "domain",
	model.ServiceCRMWrite:          "external_id",
	model.ServiceWhatsAppMessages:  "to",
}

// KeyField returns the attribute that carries the request item for svc.
func KeyField(svc model.ServiceType) string {
	if f, ok := keyFields[svc]; ok {
		return f
	}
	return "key"
}

// NormalizeRecords turns a provider result array into records. Each element
// must be a JSON object; an element with a non-empty "error" is a per-unit
// failure. The key is taken from the service key field, then "key", then "input".
func NormalizeRecords(providerName string, svc model.ServiceType, payload json.RawMessage, now time.Time) ([]model.Record, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	var raw []map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	keyField := KeyField(svc)
	out := make([]model.Record, 0, len(raw))
	for i, obj := range raw {
		if obj == nil {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformedPayload, i)
		}
		rec := model.Record{
			Provider:  providerName,
			Service:   svc,
			FetchedAt: now,
		}
		for _, f := range []string{keyField, "key", "input"} {
			if s, ok := obj[f].(string); ok && s != "" {
				rec.Key = s
				break
			}
		}
		if e, ok := obj["error"].(string); ok && e != "" {
			rec.Error = e
		}
		delete(obj, "error")
		if len(obj) > 0 {
			rec.Fields = obj
		}
		out = append(out, rec)
	}
	return out, nil
}
