package auth

import "github.com/ncar-hpc/qhistdb/internal/machine"

func IsAdmin(c *Claims) bool { return c != nil && c.Role == "admin" }

// CanRollup reports whether c may trigger rollups on m: admins anywhere,
// operators only for the machine in their scope ("machine:<name>").
func CanRollup(c *Claims, m machine.Machine) bool {
	if IsAdmin(c) {
		return true
	}
	if c == nil || c.Role != "operator" {
		return false
	}
	return c.Scope == "machine:"+m.String()
}
