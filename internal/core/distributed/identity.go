package distributed

import (
	"github.com/google/uuid"
)

// IdentitySource gives an object a key that does not depend on where its node
// sits in the scene. The second result is false until the id is known.
type IdentitySource interface {
	Identity() (string, bool)
}

// UUIDIdentity is assigned a random id on creation.
type UUIDIdentity struct {
	id string
}

func NewUUIDIdentity() *UUIDIdentity {
	return &UUIDIdentity{id: uuid.NewString()}
}

func (u *UUIDIdentity) Identity() (string, bool) {
	return u.id, true
}

// DeferredIdentity is assigned later, for example once a lobby hands out ids.
// Objects using it wait before initializing.
type DeferredIdentity struct {
	id       string
	assigned bool
}

// Assign sets the id. Only the first call has an effect.
func (d *DeferredIdentity) Assign(id string) {
	if d.assigned {
		return
	}
	d.id = id
	d.assigned = true
}

func (d *DeferredIdentity) Identity() (string, bool) {
	return d.id, d.assigned
}
