// Package component models the reusable executable units of the platform:
// typed input/output/parameter contracts, runner specs, and the process-wide
// registry they load into at startup.
package component

import "fmt"

// TypeKind enumerates the port type algebra.
type TypeKind string

const (
	TypeText     TypeKind = "text"
	TypeNumber   TypeKind = "number"
	TypeBoolean  TypeKind = "boolean"
	TypeSecret   TypeKind = "secret"
	TypeJSON     TypeKind = "json"
	TypeAny      TypeKind = "any"
	TypeFile     TypeKind = "file"
	TypeList     TypeKind = "list"
	TypeMap      TypeKind = "map"
	TypeContract TypeKind = "contract"
)

// Binding classifies how a port's value is resolved: credentials come from
// the secret store, actions from wired upstream outputs or literals.
type Binding string

const (
	BindingCredential Binding = "credential"
	BindingAction     Binding = "action"
)

type (
	// Type describes one port's data type. Primitive kinds stand alone;
	// list/map/contract compose.
	Type struct {
		Kind TypeKind `json:"kind"`
		// Elem is the element type for lists.
		Elem *Type `json:"elem,omitempty"`
		// Key and Value describe map entries. Keys are always text on the
		// wire; Key is retained for future algebras.
		Key   *Type `json:"key,omitempty"`
		Value *Type `json:"value,omitempty"`
		// Contract names a registered schema for contract kinds.
		Contract string `json:"contract,omitempty"`
		// Credential marks contract ports that carry provider credentials.
		Credential bool `json:"credential,omitempty"`
	}

	// Port is one named slot in an input, output or parameter contract.
	Port struct {
		Name        string `json:"name"`
		Label       string `json:"label,omitempty"`
		Description string `json:"description,omitempty"`
		Type        Type   `json:"type"`
		Required    bool   `json:"required,omitempty"`
		// Default applies when the port is unwired and optional.
		Default any `json:"default,omitempty"`
	}
)

// Text returns the text primitive type.
func Text() Type { return Type{Kind: TypeText} }

// Number returns the number primitive type.
func Number() Type { return Type{Kind: TypeNumber} }

// Boolean returns the boolean primitive type.
func Boolean() Type { return Type{Kind: TypeBoolean} }

// Secret returns the secret primitive type. Secret ports always bind as
// credentials.
func Secret() Type { return Type{Kind: TypeSecret} }

// JSON returns the free-form JSON type.
func JSON() Type { return Type{Kind: TypeJSON} }

// Any returns the unconstrained type.
func Any() Type { return Type{Kind: TypeAny} }

// File returns the file reference type.
func File() Type { return Type{Kind: TypeFile} }

// List returns a list of elem.
func List(elem Type) Type { return Type{Kind: TypeList, Elem: &elem} }

// Map returns a map with text keys and the given value type.
func Map(value Type) Type {
	key := Text()
	return Type{Kind: TypeMap, Key: &key, Value: &value}
}

// Contract returns a named-schema contract type.
func Contract(name string) Type { return Type{Kind: TypeContract, Contract: name} }

// CredentialContract returns a contract type flagged as credential-bearing.
func CredentialContract(name string) Type {
	return Type{Kind: TypeContract, Contract: name, Credential: true}
}

// Binding infers how the port resolves: secret ports and credential-flagged
// contract ports bind as credentials, everything else as actions.
func (p Port) Binding() Binding {
	if p.Type.Kind == TypeSecret {
		return BindingCredential
	}
	if p.Type.Kind == TypeContract && p.Type.Credential {
		return BindingCredential
	}
	return BindingAction
}

// JSONSchema renders the type as a JSON-Schema fragment. Contract types
// resolve through the registry's named schemas via $ref.
func (t Type) JSONSchema() map[string]any {
	switch t.Kind {
	case TypeText, TypeSecret, TypeFile:
		return map[string]any{"type": "string"}
	case TypeNumber:
		return map[string]any{"type": "number"}
	case TypeBoolean:
		return map[string]any{"type": "boolean"}
	case TypeJSON, TypeAny:
		return map[string]any{}
	case TypeList:
		elem := map[string]any{}
		if t.Elem != nil {
			elem = t.Elem.JSONSchema()
		}
		return map[string]any{"type": "array", "items": elem}
	case TypeMap:
		value := map[string]any{}
		if t.Value != nil {
			value = t.Value.JSONSchema()
		}
		return map[string]any{"type": "object", "additionalProperties": value}
	case TypeContract:
		return map[string]any{"$ref": contractRef(t.Contract)}
	default:
		return map[string]any{}
	}
}

func contractRef(name string) string {
	return fmt.Sprintf("https://schemas.shipsec.dev/contracts/%s.json", name)
}
