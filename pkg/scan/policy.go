package scan

import "github.com/tickettoken/core/pkg/tickets"

// zoneAllows reports whether a ticket access level admits entry through a
// device's zone. Unknown access levels are treated as GA.
func zoneAllows(access tickets.AccessLevel, zone tickets.Zone) bool {
	switch access {
	case tickets.AccessAll:
		return true
	case tickets.AccessBackstage:
		return zone == tickets.ZoneBackstage
	case tickets.AccessVIP:
		return zone == tickets.ZoneVIP || zone == tickets.ZoneGA
	default:
		return zone == tickets.ZoneGA
	}
}
