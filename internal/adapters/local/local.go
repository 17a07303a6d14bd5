// Package local provides in-memory implementations of the external system
// clients for development and demo deployments. Production builds swap these
// for clients speaking the real AAA, inventory and CPE protocols.
package local

import (
	"context"
	"fmt"
	"sync"

	"provflow/internal/core/ports"

	"github.com/google/uuid"
)

type AAADirectory struct {
	mu          sync.Mutex
	credentials map[uuid.UUID]ports.CredentialRef
	suspended   map[string]bool
}

func NewAAADirectory() *AAADirectory {
	return &AAADirectory{
		credentials: make(map[uuid.UUID]ports.CredentialRef),
		suspended:   make(map[string]bool),
	}
}

func (d *AAADirectory) CreateCredential(ctx context.Context, subscriberID uuid.UUID, planAttrs map[string]any) (ports.CredentialRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := ports.CredentialRef{ID: "cred-" + uuid.NewString(), Realm: "local"}
	d.credentials[subscriberID] = ref
	return ref, nil
}

func (d *AAADirectory) LookupCredential(ctx context.Context, subscriberID uuid.UUID) (ports.CredentialRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.credentials[subscriberID]
	if !ok {
		return ports.CredentialRef{}, fmt.Errorf("no credential for subscriber %s", subscriberID)
	}
	return ref, nil
}

func (d *AAADirectory) SuspendCredential(ctx context.Context, ref ports.CredentialRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspended[ref.ID] = true
	return nil
}

func (d *AAADirectory) ReactivateCredential(ctx context.Context, ref ports.CredentialRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.suspended, ref.ID)
	return nil
}

func (d *AAADirectory) DeleteCredential(ctx context.Context, ref ports.CredentialRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for subscriber, cred := range d.credentials {
		if cred.ID == ref.ID {
			delete(d.credentials, subscriber)
		}
	}
	delete(d.suspended, ref.ID)
	return nil
}

type AddressInventory struct {
	mu        sync.Mutex
	next      int
	allocated map[string]bool
}

func NewAddressInventory() *AddressInventory {
	return &AddressInventory{allocated: make(map[string]bool)}
}

func (i *AddressInventory) Allocate(ctx context.Context, poolID string, tenantID uuid.UUID) (ports.AddressRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.next++
	ref := ports.AddressRef{
		Address: fmt.Sprintf("100.64.%d.%d", i.next/250, i.next%250+1),
		VLAN:    100 + i.next%900,
		PoolID:  poolID,
	}
	i.allocated[ref.Address] = true
	return ref, nil
}

func (i *AddressInventory) Release(ctx context.Context, ref ports.AddressRef) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.allocated, ref.Address)
	return nil
}

type CPEManager struct {
	mu       sync.Mutex
	versions map[string]int
}

func NewCPEManager() *CPEManager {
	return &CPEManager{versions: make(map[string]int)}
}

func (m *CPEManager) PushConfig(ctx context.Context, deviceID string, params map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[deviceID]++
	return fmt.Sprintf("v%d", m.versions[deviceID]), nil
}

func (m *CPEManager) ResetToDefault(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, deviceID)
	return nil
}
