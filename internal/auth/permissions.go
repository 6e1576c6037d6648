package auth

import "regexp"

const (
	PermViewUsers          = "VIEW_USERS"
	PermManageUsers        = "MANAGE_USERS"
	PermViewRoles          = "VIEW_ROLES"
	PermManageRoles        = "MANAGE_ROLES"
	PermViewPermissions    = "VIEW_PERMISSIONS"
	PermManagePermissions  = "MANAGE_PERMISSIONS"
	PermViewProjects       = "VIEW_PROJECTS"
	PermManageProjects     = "MANAGE_PROJECTS"
	PermAssignProjectUsers = "ASSIGN_PROJECT_USERS"
	PermViewFarmers        = "VIEW_FARMER_RECORDS"
	PermCreateFarmers      = "CREATE_FARMER_RECORDS"
	PermEditFarmers        = "EDIT_FARMER_RECORDS"
	PermDeleteFarmers      = "DELETE_FARMER_RECORDS"
	PermSendMessages       = "SEND_MESSAGES"
	PermViewMessages       = "VIEW_MESSAGES"
	PermViewAuditLogs      = "VIEW_AUDIT_LOGS"
)

type BuiltinPermission struct {
	Code string
	Name string
}

var BuiltinPermissions = []BuiltinPermission{
	{PermViewUsers, "View users"},
	{PermManageUsers, "Create, update and delete users"},
	{PermViewRoles, "View roles"},
	{PermManageRoles, "Manage roles and their permissions"},
	{PermViewPermissions, "View permissions"},
	{PermManagePermissions, "Create and delete permissions"},
	{PermViewProjects, "View projects"},
	{PermManageProjects, "Create, update and delete projects"},
	{PermAssignProjectUsers, "Assign users to projects"},
	{PermViewFarmers, "View farmer records"},
	{PermCreateFarmers, "Create farmer records"},
	{PermEditFarmers, "Edit farmer records"},
	{PermDeleteFarmers, "Delete farmer records"},
	{PermSendMessages, "Send messages"},
	{PermViewMessages, "View messages"},
	{PermViewAuditLogs, "View every user's audit log"},
}

// DefaultUserPermissions are linked to the self-registration role at seed time.
var DefaultUserPermissions = []string{PermViewProjects, PermSendMessages, PermViewMessages}

var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)*$`)

// ValidCode reports whether code is an uppercase snake-case permission code.
func ValidCode(code string) bool {
	return len(code) <= 64 && codePattern.MatchString(code)
}

// IsBuiltin reports whether code is one of the permissions the routes check.
func IsBuiltin(code string) bool {
	for _, p := range BuiltinPermissions {
		if p.Code == code {
			return true
		}
	}
	return false
}
