package adapters

import (
	"context"
	"fmt"

	"provflow/internal/core/ports"

	"go.uber.org/zap"
)

// CredentialCreateAdapter provisions a subscriber credential in the AAA
// directory. Compensation deletes it again.
type CredentialCreateAdapter struct {
	directory ports.AAADirectory
	logger    *zap.Logger
}

func NewCredentialCreateAdapter(directory ports.AAADirectory, logger *zap.Logger) *CredentialCreateAdapter {
	return &CredentialCreateAdapter{directory: directory, logger: logger.Named("aaa")}
}

func (a *CredentialCreateAdapter) Capability() string { return "aaa.create_credential" }

func (a *CredentialCreateAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	subscriberID, err := ctxUUID(wctx, KeySubscriberID)
	if err != nil {
		return nil, err
	}
	ref, err := a.directory.CreateCredential(ctx, subscriberID, ctxMap(wctx, KeyPlan))
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return map[string]any{KeyCredentialRef: ref}, nil
}

func (a *CredentialCreateAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	var ref ports.CredentialRef
	if err := decodeRef(result[KeyCredentialRef], &ref); err != nil {
		return fmt.Errorf("decode credential ref: %w", err)
	}
	a.logger.Info("deleting credential", zap.String("credential", ref.ID))
	if err := a.directory.DeleteCredential(ctx, ref); err != nil {
		return fmt.Errorf("delete credential %s: %w", ref.ID, err)
	}
	return nil
}

// CredentialLookupAdapter resolves the existing credential for a subscriber.
// Read-only, so there is nothing to compensate.
type CredentialLookupAdapter struct {
	directory ports.AAADirectory
}

func NewCredentialLookupAdapter(directory ports.AAADirectory) *CredentialLookupAdapter {
	return &CredentialLookupAdapter{directory: directory}
}

func (a *CredentialLookupAdapter) Capability() string { return "aaa.lookup_credential" }

func (a *CredentialLookupAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	subscriberID, err := ctxUUID(wctx, KeySubscriberID)
	if err != nil {
		return nil, err
	}
	ref, err := a.directory.LookupCredential(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return map[string]any{KeyCredentialRef: ref}, nil
}

func (a *CredentialLookupAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	return nil
}

// CredentialSuspendAdapter suspends a credential; compensation reactivates it.
type CredentialSuspendAdapter struct {
	directory ports.AAADirectory
	logger    *zap.Logger
}

func NewCredentialSuspendAdapter(directory ports.AAADirectory, logger *zap.Logger) *CredentialSuspendAdapter {
	return &CredentialSuspendAdapter{directory: directory, logger: logger.Named("aaa")}
}

func (a *CredentialSuspendAdapter) Capability() string { return "aaa.suspend_credential" }

func (a *CredentialSuspendAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	ref, err := a.resolveRef(ctx, wctx)
	if err != nil {
		return nil, err
	}
	if err := a.directory.SuspendCredential(ctx, ref); err != nil {
		return nil, fmt.Errorf("suspend credential %s: %w", ref.ID, err)
	}
	return map[string]any{KeyCredentialRef: ref}, nil
}

func (a *CredentialSuspendAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	var ref ports.CredentialRef
	if err := decodeRef(result[KeyCredentialRef], &ref); err != nil {
		return fmt.Errorf("decode credential ref: %w", err)
	}
	a.logger.Info("reactivating credential", zap.String("credential", ref.ID))
	if err := a.directory.ReactivateCredential(ctx, ref); err != nil {
		return fmt.Errorf("reactivate credential %s: %w", ref.ID, err)
	}
	return nil
}

// resolveRef prefers a ref already in the context (set by a prior lookup or
// create step) and falls back to a directory lookup.
func (a *CredentialSuspendAdapter) resolveRef(ctx context.Context, wctx map[string]any) (ports.CredentialRef, error) {
	if v, ok := wctx[KeyCredentialRef]; ok {
		var ref ports.CredentialRef
		if err := decodeRef(v, &ref); err == nil && ref.ID != "" {
			return ref, nil
		}
	}
	subscriberID, err := ctxUUID(wctx, KeySubscriberID)
	if err != nil {
		return ports.CredentialRef{}, err
	}
	ref, err := a.directory.LookupCredential(ctx, subscriberID)
	if err != nil {
		return ports.CredentialRef{}, fmt.Errorf("lookup credential: %w", err)
	}
	return ref, nil
}

// CredentialDeleteAdapter removes a credential during terminate. Deletion
// cannot be undone, so the step is registered non-compensable.
type CredentialDeleteAdapter struct {
	directory ports.AAADirectory
}

func NewCredentialDeleteAdapter(directory ports.AAADirectory) *CredentialDeleteAdapter {
	return &CredentialDeleteAdapter{directory: directory}
}

func (a *CredentialDeleteAdapter) Capability() string { return "aaa.delete_credential" }

func (a *CredentialDeleteAdapter) Execute(ctx context.Context, wctx map[string]any) (map[string]any, error) {
	subscriberID, err := ctxUUID(wctx, KeySubscriberID)
	if err != nil {
		return nil, err
	}
	ref, err := a.directory.LookupCredential(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if err := a.directory.DeleteCredential(ctx, ref); err != nil {
		return nil, fmt.Errorf("delete credential %s: %w", ref.ID, err)
	}
	return map[string]any{KeyCredentialRef: ref}, nil
}

func (a *CredentialDeleteAdapter) Compensate(ctx context.Context, wctx map[string]any, result map[string]any) error {
	return nil
}
