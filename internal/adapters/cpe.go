package adapters

import (
	"context"
	"errors"
	"fmt"

	"provflow/internal/core/ports"

	"go.uber.org/zap"
)

// ErrDeviceUnreachable is returned by CPEManager implementations when the
// device is offline. Forward pushes retry it; the compensating reset treats it
// as best-effort and moves on.
var ErrDeviceUnreachable = errors.New("cpe device unreachable")

// ConfigPushAdapter pushes service parameters to the subscriber's device.
// Compensation resets the device to its default profile, best-effort.
type ConfigPushAdapter struct {
	cpe    ports.CPEManager
	logger *zap.Logger
}

func NewConfigPushAdapter(cpe ports.CPEManager, logger *zap.Logger) *ConfigPushAdapter {
	return &ConfigPushAdapter{cpe: cpe, logger: logger.Named("cpe")}
}

func (a *ConfigPushAdapter) Capability() string { return "cpe.push_config" }

func (a *ConfigPushAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	deviceID, err := ctxString(wctx, KeyDeviceID)
	if err != nil {
		return nil, err
	}
	params := ctxMap(wctx, KeyPlan)
	if v, ok := wctx[KeyAddressRef]; ok {
		params = cloneMap(params)
		params[KeyAddressRef] = v
	}
	version, err := a.cpe.PushConfig(ctx, deviceID, params)
	if err != nil {
		return nil, fmt.Errorf("push config to device %s: %w", deviceID, err)
	}
	return map[string]any{KeyConfigVersion: version, KeyDeviceID: deviceID}, nil
}

func (a *ConfigPushAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	deviceID, err := ctxString(wctx, KeyDeviceID)
	if err != nil {
		return err
	}
	if err := a.cpe.ResetToDefault(ctx, deviceID); err != nil {
		if errors.Is(err, ErrDeviceUnreachable) {
			// An offline device picks up the default profile on its next
			// check-in; do not fail the whole reverse pass over it.
			a.logger.Warn("device offline during compensating reset, skipping",
				zap.String("device", deviceID))
			return nil
		}
		return fmt.Errorf("reset device %s: %w", deviceID, err)
	}
	return nil
}

// ConfigResetAdapter resets the device during terminate.
type ConfigResetAdapter struct {
	cpe ports.CPEManager
}

func NewConfigResetAdapter(cpe ports.CPEManager) *ConfigResetAdapter {
	return &ConfigResetAdapter{cpe: cpe}
}

func (a *ConfigResetAdapter) Capability() string { return "cpe.reset_config" }

func (a *ConfigResetAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	deviceID, err := ctxString(wctx, KeyDeviceID)
	if err != nil {
		return nil, err
	}
	if err := a.cpe.ResetToDefault(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("reset device %s: %w", deviceID, err)
	}
	return map[string]any{KeyDeviceID: deviceID}, nil
}

func (a *ConfigResetAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
