package directory

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// ErrUnsupportedValue is returned for caller values the codec cannot
// represent as directory strings.
var ErrUnsupportedValue = errors.New("unsupported attribute value")

// GeneralizedTimeLayout is the LDAP GeneralizedTime form used for time values.
const GeneralizedTimeLayout = "20060102150405Z"

// EncodeAttributes normalizes a caller-supplied map. Keys whose value is
// nil, an empty string or an empty list map to a nil slice, which marks
// the attribute for removal.
func EncodeAttributes(in map[string]any) (Attributes, error) {
	out := make(Attributes, len(in))
	var errs []error
	for name, raw := range in {
		values, err := EncodeValue(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("attribute %s: %w", name, err))
			continue
		}
		out[name] = values
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// EncodeValue converts a scalar or list into directory string values.
// The result is nil when there is nothing to store.
func EncodeValue(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return compact(v), nil
	case []byte:
		// A single binary value, not a list of bytes.
	default:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return encodeList(rv)
		}
	}

	s, ok, err := encodeScalar(raw)
	if err != nil || !ok {
		return nil, err
	}
	return []string{s}, nil
}

// encodeList encodes each element of a typed slice or array, such as
// []any, []int or [][]byte.
func encodeList(rv reflect.Value) ([]string, error) {
	values := make([]string, 0, rv.Len())
	for i := range rv.Len() {
		s, ok, err := encodeScalar(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if ok {
			values = append(values, s)
		}
	}
	return compact(values), nil
}

// encodeScalar renders one value; ok is false for nil and empty strings.
func encodeScalar(raw any) (string, bool, error) {
	var s string
	switch v := raw.(type) {
	case nil:
		return "", false, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case bool:
		if v {
			s = "TRUE"
		} else {
			s = "FALSE"
		}
	case int:
		s = strconv.FormatInt(int64(v), 10)
	case int8:
		s = strconv.FormatInt(int64(v), 10)
	case int16:
		s = strconv.FormatInt(int64(v), 10)
	case int32:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint:
		s = strconv.FormatUint(uint64(v), 10)
	case uint8:
		s = strconv.FormatUint(uint64(v), 10)
	case uint16:
		s = strconv.FormatUint(uint64(v), 10)
	case uint32:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case float32:
		s = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		s = v.UTC().Format(GeneralizedTimeLayout)
	case fmt.Stringer:
		s = v.String()
	default:
		return "", false, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
	if s == "" {
		return "", false, nil
	}
	return s, true, nil
}

// compact drops empty strings and returns nil for an empty result.
func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DecodeValues renders values read from the directory. objectGUID and
// objectSid are converted from binary; undecodable values fall back to
// the server's string form.
func DecodeValues(name string, values []string, raw [][]byte) []string {
	if !identifierAttribute(name) || len(raw) == 0 {
		return values
	}

	out := make([]string, 0, len(raw))
	for i, b := range raw {
		var (
			s   string
			err error
		)
		if strings.EqualFold(name, ldapclient.AttributeObjectGUID) {
			s, err = decodeGUID(b)
		} else {
			s, err = ldapclient.SIDFromBytes(b)
		}
		if err != nil && i < len(values) {
			s = values[i]
		}
		out = append(out, s)
	}
	return out
}

func decodeGUID(b []byte) (string, error) {
	if len(b) == ldapclient.GUIDBytesLength {
		return ldapclient.GUIDFromBytes(b)
	}
	return ldapclient.NormalizeGUID(string(b))
}

// Single returns a scalar for one value, a slice for several and nil for
// none; it is the inverse of EncodeValue for string values.
func Single(values []string) any {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}
