package audio

import "context"

// Permission is the microphone authorization state.
type Permission int

const (
	PermissionUndetermined Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// Checker reports and requests microphone authorization.
type Checker interface {
	Status() Permission
	Request(ctx context.Context) (Permission, error)
}

// StaticChecker answers with a fixed permission. On headless hosts
// authorization is decided by OS group membership, not a prompt.
type StaticChecker struct {
	Perm Permission
}

func (c StaticChecker) Status() Permission { return c.Perm }

func (c StaticChecker) Request(_ context.Context) (Permission, error) { return c.Perm, nil }

// Granted returns a checker that always allows capture.
func Granted() Checker {
	return StaticChecker{Perm: PermissionGranted}
}
