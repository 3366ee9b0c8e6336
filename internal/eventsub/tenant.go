package eventsub

import (
	"encoding/json"
	"maps"
	"slices"
)

const (
	// fieldDestinationTenant identifies the receiving side of transfer-style
	// events (raids) and wins over fieldTenant.
	fieldDestinationTenant = "to_broadcaster_user_id"
	fieldTenant            = "broadcaster_user_id"
)

// ResolveTenant finds the broadcaster an event belongs to. It checks the top
// level first, then one level into nested arrays and objects (in key order).
func ResolveTenant(event json.RawMessage) (string, bool) {
	var top map[string]any
	if err := json.Unmarshal(event, &top); err != nil {
		return "", false
	}

	if id, ok := tenantField(top); ok {
		return id, true
	}

	for _, key := range slices.Sorted(maps.Keys(top)) {
		switch v := top[key].(type) {
		case []any:
			for _, item := range v {
				if obj, ok := item.(map[string]any); ok {
					if id, ok := tenantField(obj); ok {
						return id, true
					}
				}
			}
		case map[string]any:
			if id, ok := tenantField(v); ok {
				return id, true
			}
		}
	}

	return "", false
}

func tenantField(obj map[string]any) (string, bool) {
	for _, field := range []string{fieldDestinationTenant, fieldTenant} {
		if id, ok := obj[field].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}
