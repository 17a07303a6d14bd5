package adapters

import (
	"context"
	"fmt"

	"provflow/internal/core/ports"

	"go.uber.org/zap"
)

// AddressAllocateAdapter draws an address from the inventory pool named in the
// request. Compensation releases it back.
type AddressAllocateAdapter struct {
	inventory ports.AddressInventory
	logger    *zap.Logger
}

func NewAddressAllocateAdapter(inventory ports.AddressInventory, logger *zap.Logger) *AddressAllocateAdapter {
	return &AddressAllocateAdapter{inventory: inventory, logger: logger.Named("inventory")}
}

func (a *AddressAllocateAdapter) Capability() string { return "inventory.allocate_address" }

func (a *AddressAllocateAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	poolID, err := ctxString(wctx, KeyPoolID)
	if err != nil {
		return nil, err
	}
	tenantID, err := ctxUUID(wctx, KeyTenantID)
	if err != nil {
		return nil, err
	}
	ref, err := a.inventory.Allocate(ctx, poolID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("allocate from pool %s: %w", poolID, err)
	}
	return map[string]any{KeyAddressRef: ref}, nil
}

func (a *AddressAllocateAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	var ref ports.AddressRef
	if err := decodeRef(result[KeyAddressRef], &ref); err != nil {
		return fmt.Errorf("decode address ref: %w", err)
	}
	a.logger.Info("releasing address", zap.String("address", ref.Address), zap.String("pool", ref.PoolID))
	if err := a.inventory.Release(ctx, ref); err != nil {
		return fmt.Errorf("release address %s: %w", ref.Address, err)
	}
	return nil
}

// AddressReleaseAdapter returns the subscriber's address during terminate.
// Releasing is one-way; the address may be re-allocated immediately.
type AddressReleaseAdapter struct {
	inventory ports.AddressInventory
}

func NewAddressReleaseAdapter(inventory ports.AddressInventory) *AddressReleaseAdapter {
	return &AddressReleaseAdapter{inventory: inventory}
}

func (a *AddressReleaseAdapter) Capability() string { return "inventory.release_address" }

func (a *AddressReleaseAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	v, ok := wctx[KeyAddressRef]
	if !ok {
		// Nothing allocated for this subscriber; releasing is a no-op.
		return map[string]any{}, nil
	}
	var ref ports.AddressRef
	if err := decodeRef(v, &ref); err != nil {
		return nil, fmt.Errorf("decode address ref: %w", err)
	}
	if err := a.inventory.Release(ctx, ref); err != nil {
		return nil, fmt.Errorf("release address %s: %w", ref.Address, err)
	}
	return map[string]any{KeyAddressRef: ref}, nil
}

func (a *AddressReleaseAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	return nil
}
