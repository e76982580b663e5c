package rbac

import (
	"sort"
	"strings"

	"github.com/storeinv/backoffice/internal/shared"
)

var rolePermissions = map[string][]string{
	RoleAdmin: shared.LedgerScopes(),
	RoleManager: {
		shared.PermLedgerSale,
		shared.PermLedgerReturn,
		shared.PermLedgerReceive,
		shared.PermLedgerTransfer,
		shared.PermLedgerAdjust,
		shared.PermLedgerView,
		shared.PermAlertsView,
		shared.PermAlertsEdit,
	},
	RoleCashier: {
		shared.PermLedgerSale,
		shared.PermLedgerReturn,
		shared.PermLedgerView,
		shared.PermAlertsView,
	},
	RoleStorekeeper: {
		shared.PermLedgerReceive,
		shared.PermLedgerTransfer,
		shared.PermLedgerAdjust,
		shared.PermLedgerView,
		shared.PermAlertsView,
		shared.PermAlertsEdit,
	},
}

// Permissions returns the sorted actions granted to role.
func Permissions(role string) []string {
	perms := append([]string(nil), rolePermissions[normalizeRole(role)]...)
	sort.Strings(perms)
	return perms
}

// Authorize evaluates whether p may perform action on res. Anything not
// explicitly granted is denied. Only admins act outside their own store.
func Authorize(p Principal, action string, res Resource) Decision {
	if p.UserID <= 0 {
		return Decision{Reason: "unauthenticated"}
	}
	role := normalizeRole(p.Role)
	action = strings.ToLower(strings.TrimSpace(action))
	if !grants(role, action) {
		return Decision{Reason: "role " + role + " lacks " + action}
	}
	if role == RoleAdmin {
		return Decision{Allowed: true}
	}
	if res.StoreID != 0 && res.StoreID != p.StoreID {
		return Decision{Reason: "store outside principal scope"}
	}
	return Decision{Allowed: true}
}

// Can is shorthand for Authorize(...).Allowed.
func Can(p Principal, action string, res Resource) bool {
	return Authorize(p, action, res).Allowed
}

func grants(role, action string) bool {
	for _, perm := range rolePermissions[role] {
		if perm == action {
			return true
		}
	}
	return false
}
