package domain

import (
	"fmt"
	"strings"
)

// Provider webhook event vocabulary.
const (
	EventApplicationStartup      = "APPLICATION_STARTUP"
	EventQRCodeUpdated           = "QRCODE_UPDATED"
	EventMessagesSet             = "MESSAGES_SET"
	EventMessagesUpsert          = "MESSAGES_UPSERT"
	EventMessagesUpdate          = "MESSAGES_UPDATE"
	EventMessagesDelete          = "MESSAGES_DELETE"
	EventMessageStatusUpdate     = "MESSAGE_STATUS_UPDATE"
	EventSendMessage             = "SEND_MESSAGE"
	EventContactsSet             = "CONTACTS_SET"
	EventContactsUpsert          = "CONTACTS_UPSERT"
	EventContactsUpdate          = "CONTACTS_UPDATE"
	EventPresenceUpdate          = "PRESENCE_UPDATE"
	EventChatsSet                = "CHATS_SET"
	EventChatsUpsert             = "CHATS_UPSERT"
	EventChatsUpdate             = "CHATS_UPDATE"
	EventChatsDelete             = "CHATS_DELETE"
	EventGroupsUpsert            = "GROUPS_UPSERT"
	EventGroupUpdate             = "GROUP_UPDATE"
	EventGroupParticipantsUpdate = "GROUP_PARTICIPANTS_UPDATE"
	EventConnectionUpdate        = "CONNECTION_UPDATE"
	EventLabelsEdit              = "LABELS_EDIT"
	EventLabelsAssociation       = "LABELS_ASSOCIATION"
	EventCall                    = "CALL"
)

var validEvents = map[string]struct{}{
	EventApplicationStartup: {}, EventQRCodeUpdated: {}, EventMessagesSet: {}, EventMessagesUpsert: {},
	EventMessagesUpdate: {}, EventMessagesDelete: {}, EventMessageStatusUpdate: {}, EventSendMessage: {},
	EventContactsSet: {}, EventContactsUpsert: {}, EventContactsUpdate: {}, EventPresenceUpdate: {},
	EventChatsSet: {}, EventChatsUpsert: {}, EventChatsUpdate: {}, EventChatsDelete: {},
	EventGroupsUpsert: {}, EventGroupUpdate: {}, EventGroupParticipantsUpdate: {},
	EventConnectionUpdate: {}, EventLabelsEdit: {}, EventLabelsAssociation: {}, EventCall: {},
}

func IsValidEvent(name string) bool {
	_, ok := validEvents[name]
	return ok
}

// ValidateEvents requires a non-empty subset of the provider vocabulary.
func ValidateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalidEvents)
	}
	for _, e := range events {
		if !IsValidEvent(e) {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidEvents, e)
		}
	}
	return nil
}

// CanonicalEvent maps the provider's callback spelling ("connection.update") to the
// subscription spelling ("CONNECTION_UPDATE").
func CanonicalEvent(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), ".", "_"))
}
