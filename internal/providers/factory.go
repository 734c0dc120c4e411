package providers

import (
	"fmt"
	"os"
	"time"

	"studioline/internal/capability"
	"studioline/internal/config"
	"studioline/internal/domain"
)

// FromConfig builds the providers declared in a production config.
func FromConfig(cfgs []config.ProviderConfig) ([]capability.Provider, error) {
	out := make([]capability.Provider, 0, len(cfgs))
	for _, pc := range cfgs {
		desc, err := descriptor(pc)
		if err != nil {
			return nil, err
		}
		switch pc.Kind {
		case "", "local":
			out = append(out, &Local{
				Desc:    desc,
				Quality: pc.Quality,
				Credits: pc.Credits,
				Fail:    pc.Fail,
				Latency: time.Duration(pc.LatencyMs) * time.Millisecond,
			})
		case "http":
			var key string
			if pc.APIKeyEnv != "" {
				key = os.Getenv(pc.APIKeyEnv)
			}
			out = append(out, &HTTP{Desc: desc, Endpoint: pc.Endpoint, APIKey: key})
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %s", pc.ID, pc.Kind)
		}
	}
	return out, nil
}

// Register builds and registers every configured provider.
func Register(reg *capability.Registry, cfgs []config.ProviderConfig) error {
	list, err := FromConfig(cfgs)
	if err != nil {
		return err
	}
	for _, p := range list {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func descriptor(pc config.ProviderConfig) (capability.Descriptor, error) {
	d := capability.Descriptor{ID: pc.ID, Category: pc.Category, Tier: domain.Tier(pc.Tier)}
	for _, s := range pc.Departments {
		dept, err := domain.ParseDepartment(s)
		if err != nil {
			return d, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		d.Departments = append(d.Departments, dept)
	}
	for _, c := range pc.Capabilities {
		capDef := capability.Capability{Action: capability.Action(c.Action)}
		if len(c.Input) > 0 {
			capDef.Input = capability.Schema{}
			for key, f := range c.Input {
				capDef.Input[key] = capability.Field{Required: f.Required, Type: f.Type, Enum: f.Enum}
			}
		}
		d.Capabilities = append(d.Capabilities, capDef)
	}
	return d, nil
}
