// Package amf implements the AMF0 and AMF3 value encoders/decoders used by
// RTMP command and data messages.
package amf

// Object is an ordered string-keyed collection of AMF values. Declared key
// order is preserved through Set so that encode-then-decode round-trips
// return properties in the order they were declared, matching how real RTMP
// clients (and Testable Property 4) expect an AMF0 Object to behave.
type Object struct {
	keys []string
	vals map[string]*Value
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{vals: make(map[string]*Value)}
}

// Set inserts or replaces propName. Re-setting an existing key keeps its
// original position.
func (o *Object) Set(propName string, v *Value) *Object {
	if o.vals == nil {
		o.vals = make(map[string]*Value)
	}
	if _, exists := o.vals[propName]; !exists {
		o.keys = append(o.keys, propName)
	}
	o.vals[propName] = v
	return o
}

// Get returns the value for propName, or nil if absent.
func (o *Object) Get(propName string) *Value {
	if o == nil || o.vals == nil {
		return nil
	}
	return o.vals[propName]
}

// Keys returns the property names in declaration order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

// Len returns the number of properties.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}
