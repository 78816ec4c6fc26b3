// Package identity models references to platform users as they arrive from
// the transport collaborator. A reference is either resolved to a stable
// platform id or carries only the display name the command mentioned.
// State-mutating engine operations require a resolved reference.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolved indicates a user reference without a platform id was used
// where a resolved identity is required.
var ErrUnresolved = errors.New("identity: unresolved user reference")

// ErrInvalidUserID indicates a non-positive platform id.
var ErrInvalidUserID = errors.New("identity: invalid user id")

// UserRef is a tagged reference to a platform user.
type UserRef struct {
	id          int64
	displayName string
}

// Resolved constructs a reference backed by a stable platform id.
func Resolved(userID int64) (UserRef, error) {
	if userID <= 0 {
		return UserRef{}, fmt.Errorf("%w: %d", ErrInvalidUserID, userID)
	}
	return UserRef{id: userID}, nil
}

// Unresolved constructs a reference known only by display name, as produced
// when a mention cannot be resolved through the platform.
func Unresolved(displayName string) UserRef {
	return UserRef{displayName: strings.TrimSpace(displayName)}
}

// IsResolved reports whether the reference carries a platform id.
func (r UserRef) IsResolved() bool {
	return r.id > 0
}

// ID returns the platform id, or ErrUnresolved when only a display name is
// known.
func (r UserRef) ID() (int64, error) {
	if !r.IsResolved() {
		return 0, fmt.Errorf("%w: %q", ErrUnresolved, r.displayName)
	}
	return r.id, nil
}

// DisplayName returns the mention text for unresolved references; empty for
// resolved ones unless set by the transport.
func (r UserRef) DisplayName() string {
	return r.displayName
}
