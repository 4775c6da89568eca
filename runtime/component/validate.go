package component

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shipsec/shipsec/runtime/fault"
)

// RecordValidator validates a record of port values against a compiled
// JSON-Schema contract. Validators are compiled once at registry load and
// shared read-only afterwards.
type RecordValidator struct {
	schema *jsonschema.Schema
	// ports indexes declared ports by name for default application.
	ports map[string]Port
}

// recordSchema renders the object schema for a port contract. Undeclared
// properties are allowed: runtime layers attach bookkeeping fields that are
// not part of the user-facing contract.
func recordSchema(ports []Port) map[string]any {
	properties := make(map[string]any, len(ports))
	required := []any{}
	for _, p := range ports {
		prop := p.Type.JSONSchema()
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// compileRecordValidator compiles the contract for the given ports. Contract
// port types resolve against the named schemas registered with the compiler.
func compileRecordValidator(name string, ports []Port, contracts map[string]map[string]any) (*RecordValidator, error) {
	compiler := jsonschema.NewCompiler()
	for contractName, schema := range contracts {
		doc, err := roundTripToSchemaDoc(schema)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", contractName, err)
		}
		if err := compiler.AddResource(contractRef(contractName), doc); err != nil {
			return nil, fmt.Errorf("contract %s: %w", contractName, err)
		}
	}
	doc, err := roundTripToSchemaDoc(recordSchema(ports))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("https://schemas.shipsec.dev/records/%s.json", name)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	index := make(map[string]Port, len(ports))
	for _, p := range ports {
		index[p.Name] = p
	}
	return &RecordValidator{schema: schema, ports: index}, nil
}

// roundTripToSchemaDoc converts a schema map into the document form the
// compiler expects (json.Number-based), by serializing through JSON.
func roundTripToSchemaDoc(schema map[string]any) (any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// Validate checks the record against the contract. The record is normalized
// through JSON so Go-native values (int, struct-free maps) compare the way
// they would on the wire. Returns a Validation fault on contract breach.
func (v *RecordValidator) Validate(record map[string]any) error {
	if v == nil {
		return nil
	}
	if record == nil {
		record = map[string]any{}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "record is not JSON-serializable", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fault.Wrap(fault.KindValidation, "record is not valid JSON", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation, err.Error(), err)
	}
	return nil
}

// ApplyDefaults returns a copy of the record with defaults filled in for
// absent optional ports that declare one.
func (v *RecordValidator) ApplyDefaults(record map[string]any) map[string]any {
	if v == nil {
		return record
	}
	out := make(map[string]any, len(record)+len(v.ports))
	for k, val := range record {
		out[k] = val
	}
	for name, p := range v.ports {
		if _, ok := out[name]; !ok && p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}
