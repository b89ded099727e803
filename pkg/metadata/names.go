// Package metadata derives stable logical table names from the messy names
// external sources use (worksheet titles, file IDs, report dimensions).
package metadata

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
)

// LogicalName converts a raw source name (sheet title, file name, report name)
// into a stable logical identifier: lowercase, underscore-separated, no
// leading digits.
func LogicalName(raw string) string {
	var b strings.Builder
	lastUnderscore := true // suppress leading underscore

	for _, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		return "table"
	}
	if unicode.IsDigit(rune(name[0])) {
		name = "t_" + name
	}
	return name
}

// Deduplicate returns name, or name_2, name_3, ... until it does not collide
// with taken. The chosen name is recorded in taken.
func Deduplicate(name string, taken map[string]bool) string {
	candidate := name
	for i := 2; taken[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	taken[candidate] = true
	return candidate
}

// PhysicalName builds the physical table name a connector materializes into
// the unified store. Prefixed with the source ID so two sources can sync
// same-named tables without colliding.
func PhysicalName(dataSourceID uuid.UUID, logicalName string) string {
	short := strings.ReplaceAll(dataSourceID.String(), "-", "")[:8]
	return fmt.Sprintf("src_%s_%s", short, logicalName)
}

// EntityName returns the singular entity a table name describes ("users" ->
// "user"). Used by join discovery to match foreign-key-style column names like
// user_id against their target table.
func EntityName(tableName string) string {
	parts := strings.Split(tableName, "_")
	last := parts[len(parts)-1]
	parts[len(parts)-1] = inflection.Singular(last)
	return strings.Join(parts, "_")
}
