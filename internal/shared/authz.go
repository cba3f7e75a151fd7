package shared

// Core platform permissions, named category.resource.action.
const (
	PermAdminUsersView = "admin.users.view"
	PermAdminUsersEdit = "admin.users.edit"

	PermAdminRolesView = "admin.roles.view"
	PermAdminRolesEdit = "admin.roles.edit"

	PermAdminPermissionsView = "admin.permissions.view"

	PermAdminAuditView = "admin.audit.view"

	PermSupportTicketView   = "support.ticket.view"
	PermSupportTicketManage = "support.ticket.manage"

	PermBillingPromoManage       = "billing.promo.manage"
	PermBillingSubscriptionsView = "billing.subscriptions.view"

	PermNotifyBroadcast = "notify.broadcast.send"
)

// CoreScopes lists all seeded platform permissions.
func CoreScopes() []string {
	return []string{
		PermAdminUsersView,
		PermAdminUsersEdit,
		PermAdminRolesView,
		PermAdminRolesEdit,
		PermAdminPermissionsView,
		PermAdminAuditView,
		PermSupportTicketView,
		PermSupportTicketManage,
		PermBillingPromoManage,
		PermBillingSubscriptionsView,
		PermNotifyBroadcast,
	}
}

// System role names seeded at install time.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleSupport    = "support"
)
