package component

import (
	"sort"
	"sync"

	"github.com/shipsec/shipsec/runtime/fault"
)

// Registry is the process-wide component catalog. Definitions and named
// contracts register during startup; Freeze seals the registry before the
// worker begins polling so lookups are lock-free reads thereafter.
type Registry struct {
	mu        sync.RWMutex
	frozen    bool
	byID      map[string]*registered
	contracts map[string]map[string]any
}

type registered struct {
	def        *Definition
	inputs     *RecordValidator
	outputs    *RecordValidator
	parameters *RecordValidator
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*registered),
		contracts: make(map[string]map[string]any),
	}
}

// RegisterContract adds a named schema usable by contract<...> ports. Must
// precede registration of components that reference it.
func (r *Registry) RegisterContract(name string, schema map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fault.New(fault.KindConfiguration, "registry is frozen")
	}
	if _, exists := r.contracts[name]; exists {
		return fault.Newf(fault.KindConfiguration, "contract %q already registered", name)
	}
	r.contracts[name] = schema
	return nil
}

// Register validates the definition, compiles its contracts and adds it to
// the catalog. Duplicate ids and registration after Freeze are configuration
// faults.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fault.New(fault.KindConfiguration, "registry is frozen")
	}
	if _, exists := r.byID[def.ID]; exists {
		return fault.Newf(fault.KindConfiguration, "component %q already registered", def.ID)
	}
	inputs, err := compileRecordValidator(def.ID+".inputs", def.Inputs, r.contracts)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, "compile input contract for "+def.ID, err)
	}
	outputs, err := compileRecordValidator(def.ID+".outputs", def.Outputs, r.contracts)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, "compile output contract for "+def.ID, err)
	}
	parameters, err := compileRecordValidator(def.ID+".parameters", def.Parameters, r.contracts)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, "compile parameter contract for "+def.ID, err)
	}
	r.byID[def.ID] = &registered{def: def, inputs: inputs, outputs: outputs, parameters: parameters}
	return nil
}

// Freeze seals the registry. Called once after startup registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup resolves a component by id.
func (r *Registry) Lookup(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "unknown component %q", id)
	}
	return reg.def, nil
}

// ValidateInputs checks an input record against the component's contract.
func (r *Registry) ValidateInputs(id string, record map[string]any) error {
	reg, err := r.lookup(id)
	if err != nil {
		return err
	}
	return reg.inputs.Validate(record)
}

// ValidateOutputs checks an output record against the component's contract.
func (r *Registry) ValidateOutputs(id string, record map[string]any) error {
	reg, err := r.lookup(id)
	if err != nil {
		return err
	}
	return reg.outputs.Validate(record)
}

// ValidateParameters applies parameter defaults and checks the result
// against the component's contract, returning the effective record.
func (r *Registry) ValidateParameters(id string, record map[string]any) (map[string]any, error) {
	reg, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	effective := reg.parameters.ApplyDefaults(record)
	if err := reg.parameters.Validate(effective); err != nil {
		return nil, err
	}
	return effective, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ToolProviders returns the definitions that expose an MCP tool.
func (r *Registry) ToolProviders() []*Definition {
	var out []*Definition
	for _, def := range r.List() {
		if def.Tool != nil {
			out = append(out, def)
		}
	}
	return out
}

func (r *Registry) lookup(id string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "unknown component %q", id)
	}
	return reg, nil
}
