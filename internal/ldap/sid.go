package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
)

// AttributeObjectSID is the Active Directory security identifier attribute.
const AttributeObjectSID = "objectSid"

// SIDFromBytes converts a binary objectSid to its S-1-5-... form.
func SIDFromBytes(b []byte) (string, error) {
	if len(b) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(b))
	}

	return objectsid.Decode(b).String(), nil
}
