package processors

import (
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Processor kinds a binding can select.
const (
	KindRemote = "remote"
	KindEcho   = "echo"
)

// Binding assigns a processor to a workflow type. An empty kind means remote.
type Binding struct {
	Kind         string `mapstructure:"kind" yaml:"kind"`
	RemoteConfig `mapstructure:",squash" yaml:",inline"`
}

// Build assembles the closed processor registry: the echo builtin plus one
// processor per binding. A binding for "echo" replaces the builtin.
func Build(bindings map[string]Binding) (*engine.Registry, error) {
	entries := map[string]engine.Processor{
		EchoType: EchoProcessor{},
	}
	for wt, b := range bindings {
		switch b.Kind {
		case KindEcho:
			entries[wt] = EchoProcessor{}
		case KindRemote, "":
			if b.URL == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "processor %q has no url", wt)
			}
			entries[wt] = NewRemoteProcessor(b.RemoteConfig)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "processor %q has unknown kind %q", wt, b.Kind)
		}
	}
	return engine.NewRegistry(entries)
}
