package server

import "fmt"

// ProtocolVariant selects how the chat protocol completes a request
type ProtocolVariant struct {
	// ConfirmEvents whether every event recipient must confirm before the originator
	// receives its response
	ConfirmEvents bool
}

// Supported protocol variants
var (
	// AdvancedProtocol responds after every recipient confirmed the event
	AdvancedProtocol = ProtocolVariant{ConfirmEvents: true}
	// SimpleProtocol responds right after the event is broadcast
	SimpleProtocol = ProtocolVariant{ConfirmEvents: false}
)

// String toString for ProtocolVariant
func (v ProtocolVariant) String() string {
	if v.ConfirmEvents {
		return "advanced"
	}
	return "simple"
}

// ParseProtocolVariant parse "advanced" or "simple"
func ParseProtocolVariant(name string) (ProtocolVariant, error) {
	switch name {
	case "advanced":
		return AdvancedProtocol, nil
	case "simple":
		return SimpleProtocol, nil
	}
	return ProtocolVariant{}, fmt.Errorf("unknown protocol variant '%s'", name)
}
