package rbac

import "strings"

// Role names recognised by the policy.
const (
	RoleAdmin       = "admin"
	RoleManager     = "manager"
	RoleCashier     = "cashier"
	RoleStorekeeper = "storekeeper"
)

// Principal describes the authenticated actor and the store it works in.
type Principal struct {
	UserID  int64
	Role    string
	StoreID int64
}

// Resource identifies what an action touches. StoreID zero means the action
// is not bound to a single store.
type Resource struct {
	StoreID int64
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
