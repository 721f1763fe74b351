package registry

import (
	"strconv"

	"vouchlend/core/types"
	"vouchlend/crypto"
)

const (
	// EventTypeUserRegistered is emitted on first-time registration.
	EventTypeUserRegistered = "UserRegistered"
	// EventTypeUserProfileUpdated is emitted when a display name changes.
	EventTypeUserProfileUpdated = "UserProfileUpdated"
)

type registryEvent struct {
	evt *types.Event
}

func (e *registryEvent) EventType() string {
	if e == nil || e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e *registryEvent) Event() *types.Event {
	if e == nil {
		return nil
	}
	return e.evt
}

func newUserRegisteredEvent(addr crypto.Address, profile *UserProfile) *registryEvent {
	attrs := map[string]string{
		"user": addr.Hex(),
	}
	if profile != nil {
		attrs["name"] = profile.Name
		attrs["registrationTime"] = strconv.FormatInt(profile.RegistrationTime, 10)
	}
	return &registryEvent{evt: &types.Event{Type: EventTypeUserRegistered, Attributes: attrs}}
}

func newUserProfileUpdatedEvent(addr crypto.Address, profile *UserProfile) *registryEvent {
	attrs := map[string]string{
		"user": addr.Hex(),
	}
	if profile != nil {
		attrs["name"] = profile.Name
	}
	return &registryEvent{evt: &types.Event{Type: EventTypeUserProfileUpdated, Attributes: attrs}}
}
