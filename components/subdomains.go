package components

import (
	"context"
	"strings"

	"github.com/shipsec/shipsec/runtime/activities"
	"github.com/shipsec/shipsec/runtime/component"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
)

// SubdomainScan runs the subfinder container against a domain. Scanners
// commonly exit non-zero while still printing usable results, so the
// component carries a recovery hook that parses the captured stdout into the
// output contract.
func SubdomainScan() *component.Definition {
	retry := component.DefaultRetryPolicy()
	retry.MaxAttempts = 3
	return &component.Definition{
		ID:       "recon.subdomains.enumerate",
		Label:    "Subdomain Scan",
		Category: "recon",
		Inputs: []component.Port{
			{Name: "domain", Type: component.Text(), Required: true},
		},
		Outputs: []component.Port{
			{Name: "subdomains", Type: component.List(component.Text())},
			{Name: "count", Type: component.Number()},
		},
		// The wrapper image reads {"domain": ...} from stdin and writes the
		// output contract to the result file.
		Runner: runner.Container(runner.ContainerSpec{
			Image:          "shipsec/subfinder:latest",
			Network:        runner.NetworkBridge,
			TimeoutSeconds: 600,
		}),
		Retry:   &retry,
		Execute: parseSubdomainStdout,
	}
}

// parseSubdomainStdout salvages a soft container failure: one subdomain per
// stdout line.
func parseSubdomainStdout(_ context.Context, _ map[string]any, ectx *execution.Context) (map[string]any, error) {
	details, _ := ectx.Metadata[activities.MetadataContainerFailure].(map[string]any)
	stdout, _ := details["stdout"].(string)
	subdomains := splitLines(stdout)
	if len(subdomains) == 0 {
		return nil, fault.New(fault.KindContainer, "scanner produced no parseable output")
	}
	out := make([]any, len(subdomains))
	for i, s := range subdomains {
		out[i] = s
	}
	return map[string]any{"subdomains": out, "count": len(subdomains)}, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
