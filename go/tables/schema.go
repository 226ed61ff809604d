package tables

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// jsonSchemaOf derives the JSON Schema sibling document of a row struct
// from its json tags. The document is the published contract of the table:
// readers project columns against it, and it changes only with a deliberate
// schema migration (ad-hoc drift is rejected by Upsert).
func jsonSchemaOf(table string, model any) ([]byte, error) {
	var rt = reflect.TypeOf(model)
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("row model of %q is %v, not a struct", table, rt.Kind())
	}

	var properties = make(map[string]map[string]string, rt.NumField())
	var required = make([]string, 0, rt.NumField())

	for i := 0; i != rt.NumField(); i++ {
		var f = rt.Field(i)
		var name, _, _ = strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}

		var kind string
		switch f.Type.Kind() {
		case reflect.String:
			kind = "string"
		case reflect.Int, reflect.Int32, reflect.Int64:
			kind = "integer"
		case reflect.Float32, reflect.Float64:
			kind = "number"
		case reflect.Bool:
			kind = "boolean"
		default:
			return nil, fmt.Errorf("field %s of %q has unsupported kind %v", f.Name, table, f.Type.Kind())
		}
		properties[name] = map[string]string{"type": kind}
		required = append(required, name)
	}

	var doc = struct {
		Schema               string                       `json:"$schema"`
		Title                string                       `json:"title"`
		Type                 string                       `json:"type"`
		Properties           map[string]map[string]string `json:"properties"`
		Required             []string                     `json:"required"`
		AdditionalProperties bool                         `json:"additionalProperties"`
	}{
		Schema:     "https://json-schema.org/draft/2020-12/schema",
		Title:      table,
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
	return json.MarshalIndent(doc, "", "  ")
}
