package adapters

import (
	"encoding/json"
	"fmt"

	"provflow/internal/core/ports"

	"github.com/google/uuid"
)

// Context keys shared between steps. Earlier steps write, later steps and
// compensations read.
const (
	KeySubscriberID  = "subscriber_id"
	KeyTenantID      = "tenant_id"
	KeyPlan          = "plan"
	KeyPoolID        = "pool_id"
	KeyDeviceID      = "device_id"
	KeyCredentialRef = "credential_ref"
	KeyAddressRef    = "address_ref"
	KeyConfigVersion = "config_version"
)

// Set bundles every registered adapter, keyed by capability.
type Set map[string]ports.StepAdapter

func NewSet(adapters ...ports.StepAdapter) Set {
	set := make(Set, len(adapters))
	for _, a := range adapters {
		set[a.Capability()] = a
	}
	return set
}

func ctxString(wctx map[string]any, key string) (string, error) {
	v, ok := wctx[key]
	if !ok {
		return "", fmt.Errorf("context missing %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("context value %q is not a string", key)
	}
	return s, nil
}

func ctxUUID(wctx map[string]any, key string) (uuid.UUID, error) {
	s, err := ctxString(wctx, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("context value %q: %w", key, err)
	}
	return id, nil
}

func ctxMap(wctx map[string]any, key string) map[string]any {
	if m, ok := wctx[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// decodeRef rehydrates a typed ref that went through a JSON round trip in the
// workflow context or a stored step result.
func decodeRef(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
