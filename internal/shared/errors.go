package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated indicates the request carries no valid session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the policy denied the action.
	ErrForbidden = errors.New("forbidden")
)

// UserSafeMessage returns a message suitable for API consumers.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "The requested record was not found."
	case errors.Is(err, ErrUnauthenticated):
		return "Sign in to continue."
	case errors.Is(err, ErrForbidden):
		return "You are not allowed to perform this action."
	case errors.Is(err, ErrIdempotencyConflict):
		return "This request has already been processed."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
