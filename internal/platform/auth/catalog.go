package auth

import "slices"

// Permission is a `module:action` capability code.
type Permission string

const (
	PatientsRead      Permission = "patients:read"
	PatientsWrite     Permission = "patients:write"
	PatientsDelete    Permission = "patients:delete"
	AppointmentsRead  Permission = "appointments:read"
	AppointmentsWrite Permission = "appointments:write"
	TreatmentsRead    Permission = "treatments:read"
	TreatmentsWrite   Permission = "treatments:write"
	TreatmentsApprove Permission = "treatments:approve"
	BillingRead       Permission = "billing:read"
	BillingWrite      Permission = "billing:write"
	BillingRefund     Permission = "billing:refund"
	InventoryRead     Permission = "inventory:read"
	InventoryWrite    Permission = "inventory:write"
	ReportsRead       Permission = "reports:read"
	StaffRead         Permission = "staff:read"
	StaffWrite        Permission = "staff:write"
	SettingsWrite     Permission = "settings:write"
)

// allPermissions is the catalogue in display order.
var allPermissions = []Permission{
	PatientsRead, PatientsWrite, PatientsDelete,
	AppointmentsRead, AppointmentsWrite,
	TreatmentsRead, TreatmentsWrite, TreatmentsApprove,
	BillingRead, BillingWrite, BillingRefund,
	InventoryRead, InventoryWrite,
	ReportsRead,
	StaffRead, StaffWrite,
	SettingsWrite,
}

// Canonical role names shipped with every clinic.
const (
	RoleOwner      = "Owner"
	RoleAdmin      = "Admin"
	RoleDoctor     = "Doctor"
	RoleAssistant  = "Assistant"
	RoleReception  = "Reception"
	RoleAccountant = "Accountant"
)

var canonicalRoles = []string{RoleOwner, RoleAdmin, RoleDoctor, RoleAssistant, RoleReception, RoleAccountant}

var roleDefaults = map[string][]Permission{
	RoleOwner: allPermissions,
	RoleAdmin: allPermissions,
	RoleDoctor: {
		PatientsRead, PatientsWrite,
		AppointmentsRead, AppointmentsWrite,
		TreatmentsRead, TreatmentsWrite, TreatmentsApprove,
		BillingRead,
		InventoryRead,
		ReportsRead,
	},
	RoleAssistant: {
		PatientsRead,
		AppointmentsRead, AppointmentsWrite,
		TreatmentsRead, TreatmentsWrite,
		InventoryRead, InventoryWrite,
	},
	RoleReception: {
		PatientsRead, PatientsWrite,
		AppointmentsRead, AppointmentsWrite,
		BillingRead, BillingWrite,
	},
	RoleAccountant: {
		PatientsRead,
		BillingRead, BillingWrite, BillingRefund,
		InventoryRead,
		ReportsRead,
	},
}

// AllPermissions returns a copy of the catalogue.
func AllPermissions() []Permission {
	return slices.Clone(allPermissions)
}

// CanonicalRoles returns the role names provisioned for a new clinic.
func CanonicalRoles() []string {
	return slices.Clone(canonicalRoles)
}

// DefaultPermissions returns the default code set for a canonical role, in
// catalogue order. Unknown roles get nil.
func DefaultPermissions(role string) []Permission {
	return slices.Clone(roleDefaults[role])
}

func IsKnownPermission(p Permission) bool {
	return slices.Contains(allPermissions, p)
}

// ParsePermissions converts raw codes, dropping unknown and duplicate entries
// while keeping the first occurrence order.
func ParsePermissions(codes []string) []Permission {
	out := make([]Permission, 0, len(codes))
	for _, c := range codes {
		p := Permission(c)
		if IsKnownPermission(p) && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
