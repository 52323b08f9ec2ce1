package main

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed scenario.schema.json
var scenarioSchemaJSON []byte

var scenarioSchema = func() *gojsonschema.Schema {
	schema, e := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(scenarioSchemaJSON))
	if e != nil {
		panic(e)
	}
	return schema
}()

type schemaError struct {
	*gojsonschema.Result
}

func (e schemaError) Error() string {
	var b strings.Builder
	fmt.Fprintln(&b, "scenario failed schema validation:")
	for _, desc := range e.Result.Errors() {
		fmt.Fprintln(&b, "-", desc)
	}
	return b.String()
}

func validateScenario(doc []byte) error {
	result, e := scenarioSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if e != nil {
		return e
	}
	if !result.Valid() {
		return schemaError{result}
	}
	return nil
}
