// Package event defines the messages emitted by the connector after every
// directory mutation and the Dispatcher that delivers them to callbacks.
package event

import (
	"fmt"

	"github.com/isometry/ldap-connector/internal/directory"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// Type identifies the kind of event.
type Type int

const (
	InsertEvent Type = iota
	UpdateEvent
	RenameEvent
	DeleteEvent
	UniqueIdentifierEvent
	RemoveAttributesEvent
	SetAttributeEvent
	PersistCompletionEvent
)

var typeNames = [...]string{
	InsertEvent:            "INSERT_EVENT",
	UpdateEvent:            "UPDATE_EVENT",
	RenameEvent:            "RENAME_EVENT",
	DeleteEvent:            "DELETE_EVENT",
	UniqueIdentifierEvent:  "UNIQUE_IDENTIFIER_EVENT",
	RemoveAttributesEvent:  "REMOVE_ATTRIBUTES_EVENT",
	SetAttributeEvent:      "SET_ATTRIBUTE_EVENT",
	PersistCompletionEvent: "PERSIST_COMPLETION_EVENT",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText renders the type name for structured output.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Message is implemented by every event. Messages are immutable once
// handed to the Dispatcher.
type Message interface {
	EventType() Type
	Meta() *Header
}

// Header carries the fields common to every event.
type Header struct {
	Success          bool
	EventID          string
	ObjectDefinition directory.ObjectDefinition
	Context          directory.CallbackContext
	// Err is the failure that caused Success to be false.
	Err error
}

// Meta returns the header.
func (h *Header) Meta() *Header { return h }

// NewHeader returns a header whose success flag reflects err.
func NewHeader(eventID string, def directory.ObjectDefinition, cbCtx directory.CallbackContext, err error) Header {
	return Header{
		Success:          err == nil,
		EventID:          eventID,
		ObjectDefinition: def,
		Context:          cbCtx,
		Err:              err,
	}
}

// InsertMessage reports the creation of a new entry.
type InsertMessage struct {
	Header
	PKey       string
	DN         string
	Attributes directory.Attributes
}

func (*InsertMessage) EventType() Type { return InsertEvent }

// UpdateMessage reports an attribute reconciliation. It is emitted even
// when no modification was necessary; Modified distinguishes the two.
type UpdateMessage struct {
	Header
	FoundMethod   directory.FoundObjectMethod
	PKey          string
	DN            string
	OldAttributes directory.Attributes
	NewAttributes directory.Attributes
	Modifications []ldapclient.Change
	Modified      bool
}

func (*UpdateMessage) EventType() Type { return UpdateEvent }

// RenameMessage reports a DN change.
type RenameMessage struct {
	Header
	PKey  string
	OldDN string
	NewDN string
}

func (*RenameMessage) EventType() Type { return RenameEvent }

// DeleteMessage reports the removal of an entry.
type DeleteMessage struct {
	Header
	PKey string
	DN   string
}

func (*DeleteMessage) EventType() Type { return DeleteEvent }

// UniqueIdentifierMessage tells the caller the globally unique identifier
// of an entry after the operation named by CausingEvent.
type UniqueIdentifierMessage struct {
	Header
	CausingEvent     Type
	PKey             string
	OldDN            string
	NewDN            string
	UniqueIdentifier string
	WasRenamed       bool
}

func (*UniqueIdentifierMessage) EventType() Type { return UniqueIdentifierEvent }

// RemoveAttributesMessage reports a removeAttributes call.
type RemoveAttributesMessage struct {
	Header
	FoundMethod           directory.FoundObjectMethod
	PKey                  string
	DN                    string
	RemovedAttributeNames []string
	Modifications         []ldapclient.Change
}

func (*RemoveAttributesMessage) EventType() Type { return RemoveAttributesEvent }

// SetAttributeMessage reports a setAttribute call.
type SetAttributeMessage struct {
	Header
	FoundMethod   directory.FoundObjectMethod
	PKey          string
	DN            string
	AttributeName string
	Value         []string
	Modifications []ldapclient.Change
	Modified      bool
}

func (*SetAttributeMessage) EventType() Type { return SetAttributeEvent }

// PersistCompletionMessage is emitted once at the end of every persist call.
type PersistCompletionMessage struct {
	Header
	PKey     string
	IsDelete bool
	Modified bool
}

func (*PersistCompletionMessage) EventType() Type { return PersistCompletionEvent }

// Fields returns log fields describing msg.
func Fields(msg Message) map[string]any {
	h := msg.Meta()
	fields := map[string]any{
		"event_type": msg.EventType().String(),
		"event_id":   h.EventID,
		"success":    h.Success,
	}
	if h.ObjectDefinition != nil {
		fields["object_class"] = h.ObjectDefinition.ObjectClass()
	}
	if h.Err != nil {
		fields["error"] = h.Err.Error()
	}
	return fields
}
