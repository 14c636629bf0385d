package cloud

import (
	"context"
	"time"
)

// OwnershipTag is attached to every instance this tool creates. It is the
// only record of ownership; nothing is persisted locally, so recognizing an
// instance after a restart depends entirely on this tag surviving on the
// provider side.
const OwnershipTag = "dispenser"

// Instance is a point-in-time snapshot of a compute instance as reported by
// the provider. Snapshots are never cached beyond a single decision cycle.
type Instance struct {
	ID        string
	PublicIP  string // empty until the provider has assigned one
	Tags      []string
	CreatedAt time.Time
	Status    Status
}

// Status is the normalized provider-side instance state.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
)

// Owned reports whether the instance carries the ownership tag.
func (i Instance) Owned() bool {
	for _, tag := range i.Tags {
		if tag == OwnershipTag {
			return true
		}
	}
	return false
}

// Live reports whether the instance is up or on its way up, i.e. whether it
// counts as a running server for the start failsafe.
func (i Instance) Live() bool {
	return i.Status == StatusRunning || i.Status == StatusProvisioning
}

// ProvisionOpts are the parameters for creating a new instance.
type ProvisionOpts struct {
	Name     string
	SSHKeys  []string // public keys in authorized_keys format
	UserData string   // startup script, passed verbatim to the provider
}

// Provider is the capability set over a compute provider. Exactly one
// implementation is active per configuration.
//
// Provision attaches OwnershipTag at creation time. On an ambiguous failure
// (e.g. timeout after the request went out) the caller must not assume no
// instance was created; a follow-up List resolves the truth.
//
// Terminate treats a missing id as success so that destroys are idempotent.
type Provider interface {
	Provision(ctx context.Context, opts ProvisionOpts) (Instance, error)
	List(ctx context.Context) ([]Instance, error)
	Describe(ctx context.Context, id string) (Instance, error)
	Terminate(ctx context.Context, id string) error
}

// Tagger is an optional capability for providers with mutable tags, used to
// retroactively mark an adopted instance as owned.
type Tagger interface {
	Tag(ctx context.Context, id string) error
}
