package pdu

// ConversationStatus is the state of a client's chat conversation
//
// The status only advances along
// UNREGISTERED -> REGISTERING -> REGISTERED -> UNREGISTERING -> UNREGISTERED
type ConversationStatus string

// Supported conversation states
const (
	StatusUnregistered  ConversationStatus = "UNREGISTERED"
	StatusRegistering   ConversationStatus = "REGISTERING"
	StatusRegistered    ConversationStatus = "REGISTERED"
	StatusUnregistering ConversationStatus = "UNREGISTERING"
)

// nextStatus the only state each status is allowed to advance to
var nextStatus = map[ConversationStatus]ConversationStatus{
	StatusUnregistered:  StatusRegistering,
	StatusRegistering:   StatusRegistered,
	StatusRegistered:    StatusUnregistering,
	StatusUnregistering: StatusUnregistered,
}

// CanAdvanceTo whether changing from this status to the new status follows the
// conversation cycle. Staying in the same status is allowed.
func (s ConversationStatus) CanAdvanceTo(newStatus ConversationStatus) bool {
	if s == newStatus {
		return true
	}
	next, ok := nextStatus[s]
	return ok && next == newStatus
}
