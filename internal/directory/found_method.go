package directory

import "fmt"

// FoundObjectMethod classifies how an existing entry was matched.
type FoundObjectMethod int

const (
	// NotFound means no existing entry was matched.
	NotFound FoundObjectMethod = iota
	// ByDNMatchedKey: a primary key search result had the requested DN.
	ByDNMatchedKey
	// ByDNMismatchedKeys: the requested DN exists but under a different
	// or missing primary key.
	ByDNMismatchedKeys
	// ByMatchedKeyDNMismatch: matched by primary key (or unique
	// identifier) at a DN other than the requested one.
	ByMatchedKeyDNMismatch
	// ByMatchedKeyDNNotProvided: matched by primary key (or unique
	// identifier) and no DN was requested.
	ByMatchedKeyDNNotProvided
	// ByFirstFound: several primary key matches; the first accepted one won.
	ByFirstFound
)

var foundObjectMethodNames = map[FoundObjectMethod]string{
	NotFound:                  "NOT_FOUND",
	ByDNMatchedKey:            "BY_DN_MATCHED_KEY",
	ByDNMismatchedKeys:        "BY_DN_MISMATCHED_KEYS",
	ByMatchedKeyDNMismatch:    "BY_MATCHED_KEY_DN_MISMATCH",
	ByMatchedKeyDNNotProvided: "BY_MATCHED_KEY_DN_NOT_PROVIDED",
	ByFirstFound:              "BY_FIRST_FOUND",
}

func (m FoundObjectMethod) String() string {
	if name, ok := foundObjectMethodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("FoundObjectMethod(%d)", int(m))
}

// Found reports whether an entry was matched.
func (m FoundObjectMethod) Found() bool {
	return m != NotFound
}

// MarshalText renders the method name for YAML and JSON output.
func (m FoundObjectMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
