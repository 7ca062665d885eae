package scan

// Reason is the terminal explanation attached to every scan decision.
type Reason string

const (
	ReasonOK Reason = "OK"

	// QR token failures.
	ReasonSystemError   Reason = "SYSTEM_ERROR"
	ReasonQRExpired     Reason = "QR_EXPIRED"
	ReasonQRAlreadyUsed Reason = "QR_ALREADY_USED"
	ReasonInvalidQR     Reason = "INVALID_QR"

	// Isolation failures.
	ReasonUnauthorizedDevice Reason = "UNAUTHORIZED_DEVICE"
	ReasonUnauthorized       Reason = "UNAUTHORIZED"
	ReasonVenueMismatch      Reason = "VENUE_MISMATCH"
	ReasonTicketNotFound     Reason = "TICKET_NOT_FOUND"
	ReasonWrongVenue         Reason = "WRONG_VENUE"

	// Ticket state.
	ReasonTicketRefunded    Reason = "TICKET_REFUNDED"
	ReasonTicketCancelled   Reason = "TICKET_CANCELLED"
	ReasonTicketTransferred Reason = "TICKET_TRANSFERRED"
	ReasonInvalidStatus     Reason = "INVALID_STATUS"

	// Temporal.
	ReasonEventNotStarted   Reason = "EVENT_NOT_STARTED"
	ReasonEventEnded        Reason = "EVENT_ENDED"
	ReasonTicketNotYetValid Reason = "TICKET_NOT_YET_VALID"
	ReasonTicketExpired     Reason = "TICKET_EXPIRED"

	// Zone and re-entry.
	ReasonWrongZone           Reason = "WRONG_ZONE"
	ReasonNoReentry           Reason = "NO_REENTRY"
	ReasonReentryDisabled     Reason = "REENTRY_DISABLED"
	ReasonMaxReentriesReached Reason = "MAX_REENTRIES_REACHED"
	ReasonCooldownActive      Reason = "COOLDOWN_ACTIVE"
)

var reasonMessages = map[Reason]string{
	ReasonOK:                  "entry allowed",
	ReasonSystemError:         "scan could not be processed",
	ReasonQRExpired:           "QR code has expired, ask the attendee to refresh",
	ReasonQRAlreadyUsed:       "QR code was already scanned",
	ReasonInvalidQR:           "QR code is not valid",
	ReasonUnauthorizedDevice:  "device is not authorized to scan",
	ReasonUnauthorized:        "not authorized for this organization",
	ReasonVenueMismatch:       "staff member is assigned to a different venue",
	ReasonTicketNotFound:      "ticket not found",
	ReasonWrongVenue:          "ticket is for a different venue",
	ReasonTicketRefunded:      "ticket was refunded",
	ReasonTicketCancelled:     "ticket was cancelled",
	ReasonTicketTransferred:   "ticket was transferred to a new ticket",
	ReasonInvalidStatus:       "ticket is not in a scannable state",
	ReasonEventNotStarted:     "event has not started",
	ReasonEventEnded:          "event has ended",
	ReasonTicketNotYetValid:   "ticket is not yet valid",
	ReasonTicketExpired:       "ticket validity window has passed",
	ReasonWrongZone:           "ticket does not grant access to this zone",
	ReasonNoReentry:           "ticket was already used and re-entry is not allowed",
	ReasonReentryDisabled:     "re-entry is disabled for this event",
	ReasonMaxReentriesReached: "maximum re-entries reached",
	ReasonCooldownActive:      "re-entry cooldown is still active",
}

// Message returns the operator-facing description for the reason.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return string(r)
}
