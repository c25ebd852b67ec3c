package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// printer serializes output from concurrent record workers and the event
// worker.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// event writes msg as one JSON line. It is registered as an event callback.
func (p *printer) event(_ context.Context, msg event.Message) error {
	line, err := json.Marshal(eventRecord(msg))
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", msg.EventType(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.w, "%s\n", line)
	return err
}

func eventRecord(msg event.Message) map[string]any {
	rec := event.Fields(msg)

	switch m := msg.(type) {
	case *event.InsertMessage:
		rec["pkey"], rec["dn"] = m.PKey, m.DN
		rec["attributes"] = ldapclient.SanitizeAttributes(m.Attributes)
	case *event.UpdateMessage:
		rec["pkey"], rec["dn"] = m.PKey, m.DN
		rec["found_method"] = m.FoundMethod.String()
		rec["modified"] = m.Modified
		rec["modifications"] = len(m.Modifications)
	case *event.RenameMessage:
		rec["pkey"], rec["old_dn"], rec["new_dn"] = m.PKey, m.OldDN, m.NewDN
	case *event.DeleteMessage:
		rec["pkey"], rec["dn"] = m.PKey, m.DN
	case *event.UniqueIdentifierMessage:
		rec["pkey"], rec["old_dn"], rec["new_dn"] = m.PKey, m.OldDN, m.NewDN
		rec["causing_event"] = m.CausingEvent.String()
		rec["unique_identifier"] = m.UniqueIdentifier
		rec["was_renamed"] = m.WasRenamed
	case *event.RemoveAttributesMessage:
		rec["pkey"], rec["dn"] = m.PKey, m.DN
		rec["found_method"] = m.FoundMethod.String()
		rec["removed"] = m.RemovedAttributeNames
	case *event.SetAttributeMessage:
		rec["pkey"], rec["dn"] = m.PKey, m.DN
		rec["found_method"] = m.FoundMethod.String()
		rec["attribute"] = m.AttributeName
		rec["modified"] = m.Modified
	case *event.PersistCompletionMessage:
		rec["pkey"] = m.PKey
		rec["is_delete"] = m.IsDelete
		rec["modified"] = m.Modified
	}

	return rec
}
