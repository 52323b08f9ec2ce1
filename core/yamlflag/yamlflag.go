// Package yamlflag provides a command line flag that accepts a YAML or JSON document.
package yamlflag

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"reflect"

	"github.com/ghodss/yaml"
)

// Validator checks a document after it has been converted to JSON.
type Validator func(doc []byte) error

// Option customizes a flag created by New.
type Option func(v *yamlFlagValue)

// WithValidator runs validate on the JSON form of each document before it is decoded.
func WithValidator(validate Validator) Option {
	return func(v *yamlFlagValue) {
		v.validate = validate
	}
}

// DisallowUnknownFields rejects documents containing keys that do not match a struct field.
func DisallowUnknownFields(v *yamlFlagValue) {
	v.strict = true
}

// New creates a flag.Value that recognizes a YAML document.
//
// The YAML document can be specified directly on the command line:
//
//	--flag="Key: value"
//
// Or it can be read from a file, when the flag value starts with '@':
//
//	--flag=@file.yaml
//
// value must be a pointer.
// Panics if value is not a pointer.
func New(value interface{}, opts ...Option) flag.Getter {
	if val := reflect.ValueOf(value); val.Kind() != reflect.Ptr {
		panic(val.Kind())
	}
	v := &yamlFlagValue{Value: value}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type yamlFlagValue struct {
	Value    interface{}
	validate Validator
	strict   bool
}

func (v *yamlFlagValue) Get() interface{} {
	return v.Value
}

func (v *yamlFlagValue) Set(s string) error {
	doc := []byte(s)
	if len(s) >= 1 && s[0] == '@' {
		file, e := os.ReadFile(s[1:])
		if e != nil {
			return e
		}
		doc = file
	}

	j, e := yaml.YAMLToJSON(doc)
	if e != nil {
		return e
	}
	if v.validate != nil {
		if e := v.validate(j); e != nil {
			return e
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(j))
	if v.strict {
		decoder.DisallowUnknownFields()
	}
	return decoder.Decode(v.Value)
}

func (v *yamlFlagValue) String() string {
	if v == nil || v.Value == nil {
		return ""
	}
	j, _ := json.Marshal(v.Value)
	return string(j)
}
