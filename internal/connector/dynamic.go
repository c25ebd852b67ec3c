package connector

import (
	"context"
	"strings"

	"github.com/isometry/ldap-connector/internal/directory"
)

// DynamicAttributeRequest describes one attribute.INDICATOR request key
// being resolved.
type DynamicAttributeRequest struct {
	EventID       string
	Definition    directory.ObjectDefinition
	Context       directory.CallbackContext
	FoundMethod   directory.FoundObjectMethod
	PKey          string
	DN            string
	AttributeName string
	Indicator     string
	NewAttributes directory.Attributes
	ExistingAttrs directory.Attributes
	ExistingValue []string
	Template      []string
}

// DynamicAttributeResult is the outcome of a resolver. When Set is false
// the attribute is left alone. When Set is true a nil Value removes it.
type DynamicAttributeResult struct {
	Set   bool
	Value []string
}

// NoOp leaves the attribute unchanged.
var NoOp = DynamicAttributeResult{}

// SetValue returns a result that stores value.
func SetValue(value []string) DynamicAttributeResult {
	return DynamicAttributeResult{Set: true, Value: value}
}

// DynamicAttributeResolver decides the value of a conditionally-set
// attribute for one persist call.
type DynamicAttributeResolver interface {
	Resolve(ctx context.Context, req DynamicAttributeRequest) (DynamicAttributeResult, error)
}

// DynamicAttributeResolverFunc adapts a function to DynamicAttributeResolver.
type DynamicAttributeResolverFunc func(ctx context.Context, req DynamicAttributeRequest) (DynamicAttributeResult, error)

func (f DynamicAttributeResolverFunc) Resolve(ctx context.Context, req DynamicAttributeRequest) (DynamicAttributeResult, error) {
	return f(ctx, req)
}

// Resolvers maps "attribute.INDICATOR" or "INDICATOR" to a resolver. The
// fully qualified key takes precedence.
type Resolvers map[string]DynamicAttributeResolver

// DefaultResolvers returns the built-in ONCREATE, ONUPDATE and APPEND
// resolvers.
func DefaultResolvers() Resolvers {
	return Resolvers{
		directory.IndicatorOnCreate: DynamicAttributeResolverFunc(resolveOnCreate),
		directory.IndicatorOnUpdate: DynamicAttributeResolverFunc(resolveOnUpdate),
		directory.IndicatorAppend:   DynamicAttributeResolverFunc(resolveAppend),
	}
}

// Lookup finds the resolver for attribute and indicator.
func (r Resolvers) Lookup(attribute, indicator string) (DynamicAttributeResolver, bool) {
	if res, ok := r[attribute+"."+indicator]; ok {
		return res, true
	}
	res, ok := r[indicator]
	return res, ok
}

// dynamicKey reports whether a request key is resolved dynamically: it is
// either declared by the definition or carries an indicator with a
// registered resolver.
func (r Resolvers) dynamicKey(def directory.ObjectDefinition, key string) (attribute, indicator string, ok bool) {
	attribute, indicator, split := directory.SplitDynamicName(key)
	if !split {
		return key, "", false
	}
	if def.IsDynamicAttribute(key) {
		return attribute, indicator, true
	}
	if _, found := r.Lookup(attribute, indicator); found {
		return attribute, indicator, true
	}
	return key, "", false
}

func resolveOnCreate(_ context.Context, req DynamicAttributeRequest) (DynamicAttributeResult, error) {
	if req.FoundMethod.Found() {
		return NoOp, nil
	}
	return SetValue(req.Template), nil
}

func resolveOnUpdate(_ context.Context, req DynamicAttributeRequest) (DynamicAttributeResult, error) {
	if !req.FoundMethod.Found() {
		return NoOp, nil
	}
	return SetValue(req.Template), nil
}

func resolveAppend(_ context.Context, req DynamicAttributeRequest) (DynamicAttributeResult, error) {
	if len(req.Template) == 0 {
		return NoOp, nil
	}
	return SetValue(directory.Union(req.ExistingValue, req.Template)), nil
}

// isDNKey reports whether key is the dn pseudo-attribute or one of its
// indicator variants.
func isDNKey(key string) bool {
	if strings.EqualFold(key, directory.DNAttribute) {
		return true
	}
	attribute, _, ok := directory.SplitDynamicName(key)
	return ok && strings.EqualFold(attribute, directory.DNAttribute)
}
