package memory

import (
	"context"
	"sync"

	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// ContactDirectory is an in-memory implementation of ports.ContactDirectory.
type ContactDirectory struct {
	mu       sync.RWMutex
	contacts map[string]ports.Contact
}

// NewContactDirectory creates a directory seeded with contacts.
func NewContactDirectory(contacts ...ports.Contact) *ContactDirectory {
	d := &ContactDirectory{contacts: make(map[string]ports.Contact, len(contacts))}
	for _, c := range contacts {
		d.contacts[c.ID] = c
	}
	return d
}

// Put adds or replaces a contact.
func (d *ContactDirectory) Put(c ports.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.ID] = c
}

// Lookup returns a contact by id.
func (d *ContactDirectory) Lookup(ctx context.Context, contactID string) (ports.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[contactID]
	if !ok {
		return ports.Contact{}, usage.ErrNotFound
	}
	return c, nil
}

// Ensure interface compliance.
var _ ports.ContactDirectory = (*ContactDirectory)(nil)
