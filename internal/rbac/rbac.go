package rbac

type Role string
type Action string

const (
	RoleRequester  Role = "requester"
	RoleTechnician Role = "technician"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionPost          Action = "post"
	ActionManageOrders  Action = "manage_orders"
	ActionCreateChannel Action = "create_channel"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionPost || action == ActionManageOrders || action == ActionCreateChannel
	case RoleTechnician:
		return action == ActionRead || action == ActionPost
	case RoleRequester:
		return action == ActionRead || action == ActionPost
	default:
		return false
	}
}

// Elevated reports whether the role sees every channel regardless of
// membership. Kept as the single predicate so the bypass rule lives in
// one place.
func Elevated(role Role) bool {
	return role == RoleAdmin || role == RoleManager
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleRequester, RoleTechnician, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleRequester
	}
}
