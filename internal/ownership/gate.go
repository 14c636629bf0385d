// Package ownership decides which instance, if any, this tool controls.
//
// Ownership is never persisted locally: every decision starts from a fresh
// inventory snapshot and looks for the provider-side ownership tag, so the
// tool recovers its managed instance after any restart with no other input.
package ownership

import (
	"errors"
	"fmt"

	"github.com/spiretf/dispenser/internal/cloud"
)

// ErrAmbiguous means more than one tagged instance exists. This is a
// consistency violation that requires manual cleanup; it is never
// auto-resolved because either pick could destroy a machine with players on
// it or leak a billed one.
var ErrAmbiguous = errors.New("ownership: multiple tagged instances found")

// ErrForeignInstance means an untagged live instance exists and
// manage_existing is off, so starting a server must be refused: a second
// provision would double-bill, and the tool cannot prove it may destroy the
// foreign instance later.
var ErrForeignInstance = errors.New("ownership: foreign instance running")

// Resolution is the outcome of scanning one inventory snapshot.
type Resolution struct {
	// Managed is the instance this tool controls, nil when there is none.
	Managed *cloud.Instance
	// Adopted is true when Managed is an untagged instance taken over under
	// manage_existing. The caller should tag it retroactively if the backend
	// supports mutable tags, or remember its id for the rest of the run.
	Adopted bool
	// Foreign counts untagged live instances that are not Managed.
	Foreign int
}

// Resolve partitions the inventory into tagged and untagged instances and
// applies the single-owner rules.
//
// adoptedID carries the id of a previously adopted instance for the case
// where the backend could not be tagged retroactively; it is matched before
// the foreign-instance rules apply.
func Resolve(inventory []cloud.Instance, adoptedID string, manageExisting bool) (Resolution, error) {
	var tagged []cloud.Instance
	var untagged []cloud.Instance
	for _, inst := range inventory {
		switch {
		case inst.Owned():
			tagged = append(tagged, inst)
		case inst.Live():
			untagged = append(untagged, inst)
		}
	}

	if len(tagged) > 1 {
		ids := make([]string, len(tagged))
		for i, inst := range tagged {
			ids[i] = inst.ID
		}
		return Resolution{}, fmt.Errorf("%w: %v", ErrAmbiguous, ids)
	}

	if len(tagged) == 1 {
		managed := tagged[0]
		return Resolution{Managed: &managed, Foreign: len(untagged)}, nil
	}

	// a previously adopted instance stays ours for the rest of the process
	// run even if the backend could not record the tag
	if adoptedID != "" {
		for _, inst := range untagged {
			if inst.ID == adoptedID {
				managed := inst
				return Resolution{Managed: &managed, Adopted: true, Foreign: len(untagged) - 1}, nil
			}
		}
	}

	if len(untagged) == 0 {
		return Resolution{}, nil
	}

	if manageExisting {
		managed := untagged[0]
		return Resolution{Managed: &managed, Adopted: true, Foreign: len(untagged) - 1}, nil
	}

	return Resolution{Foreign: len(untagged)}, nil
}
