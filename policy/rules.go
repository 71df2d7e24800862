// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// Config is the rule set the engine decides against. Provider names are
// uppercase; endpoints are matched verbatim.
type Config struct {
	StorageEnabled bool                     `json:"storage_enabled" yaml:"storage_enabled"`
	Providers      map[string]*ProviderRule `json:"providers" yaml:"providers"`
}

// ProviderRule configures one provider's storage behavior.
type ProviderRule struct {
	Enabled        bool                     `json:"enabled" yaml:"enabled"`
	DefaultPolicy  common.StoragePolicy     `json:"default_policy" yaml:"default_policy"`
	DefaultTTLDays int                      `json:"default_ttl_days" yaml:"default_ttl_days"`
	MaxSizeMB      float64                  `json:"max_response_size_mb" yaml:"max_response_size_mb"`
	StoreErrors    bool                     `json:"store_errors" yaml:"store_errors"`
	Compression    bool                     `json:"compression" yaml:"compression"`
	Endpoints      map[string]*EndpointRule `json:"endpoints,omitempty" yaml:"endpoints"`
}

// EndpointRule overrides the provider rule for one endpoint. A zero
// MaxSizeMB means the endpoint has no cap of its own.
type EndpointRule struct {
	Store        bool    `json:"store" yaml:"store"`
	TTLDays      int     `json:"ttl_days" yaml:"ttl_days"`
	MaxSizeMB    float64 `json:"max_response_size_mb,omitempty" yaml:"max_response_size_mb"`
	StoreOnError bool    `json:"store_on_error" yaml:"store_on_error"`
	Compression  bool    `json:"compression" yaml:"compression"`
	Priority     int     `json:"priority" yaml:"priority"`
}

// YAML fields left out keep the same defaults the compiled-in table uses, so
// a rule file only has to spell out what it changes.

func (r *ProviderRule) UnmarshalYAML(node *yaml.Node) error {
	type plain ProviderRule
	v := plain{
		Enabled:        true,
		DefaultPolicy:  common.EStoragePolicy.Selective(),
		DefaultTTLDays: 90,
		MaxSizeMB:      10,
		StoreErrors:    true,
		Compression:    true,
	}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*r = ProviderRule(v)
	return nil
}

func (r *EndpointRule) UnmarshalYAML(node *yaml.Node) error {
	type plain EndpointRule
	v := plain{
		Store:        true,
		TTLDays:      90,
		StoreOnError: true,
		Compression:  true,
		Priority:     1,
	}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*r = EndpointRule(v)
	return nil
}

func endpointRule(ttlDays int, maxMB float64, priority int) *EndpointRule {
	return &EndpointRule{
		Store:        true,
		TTLDays:      ttlDays,
		MaxSizeMB:    maxMB,
		StoreOnError: true,
		Compression:  true,
		Priority:     priority,
	}
}

// Defaults is the compiled-in rule table. KMA responses are small and always
// kept; KTO is selective with generous caps because detail endpoints return
// image lists; MONITORING exists so probes stay out of the raw store even if
// someone enables it by file.
func Defaults() *Config {
	return &Config{
		StorageEnabled: true,
		Providers: map[string]*ProviderRule{
			"KMA": {
				Enabled:        true,
				DefaultPolicy:  common.EStoragePolicy.Always(),
				DefaultTTLDays: 90,
				MaxSizeMB:      5,
				StoreErrors:    true,
				Compression:    true,
				Endpoints: map[string]*EndpointRule{
					"fct_shrt_reg":    endpointRule(180, 1, 1),
					"getUltraSrtNcst": endpointRule(30, 2, 2),
					"getUltraSrtFcst": endpointRule(60, 3, 1),
					"getVilageFcst":   endpointRule(60, 3, 1),
					"health": {
						TTLDays:      7,
						StoreOnError: true,
						Compression:  true,
						Priority:     1,
					},
				},
			},
			"KTO": {
				Enabled:        true,
				DefaultPolicy:  common.EStoragePolicy.Selective(),
				DefaultTTLDays: 180,
				MaxSizeMB:      20,
				StoreErrors:    true,
				Compression:    true,
				Endpoints: map[string]*EndpointRule{
					"areaBasedList2":     endpointRule(180, 15, 1),
					"areaCode2":          endpointRule(365, 1, 1),
					"ldongCode2":         endpointRule(365, 2, 1),
					"detailCommon2":      endpointRule(180, 5, 2),
					"detailImage2":       endpointRule(90, 30, 3),
					"detailIntro2":       endpointRule(180, 5, 2),
					"detailPetTour2":     endpointRule(90, 3, 3),
					"areaBasedSyncList2": endpointRule(30, 10, 2),
				},
			},
			"WEATHER": {
				Enabled:        true,
				DefaultPolicy:  common.EStoragePolicy.Selective(),
				DefaultTTLDays: 30,
				MaxSizeMB:      5,
				StoreErrors:    true,
				Compression:    true,
				Endpoints: map[string]*EndpointRule{
					"forecast": endpointRule(30, 3, 2),
					"weather":  endpointRule(30, 3, 2),
				},
			},
			"MONITORING": {
				Enabled:        false,
				DefaultPolicy:  common.EStoragePolicy.ErrorOnly(),
				DefaultTTLDays: 7,
				MaxSizeMB:      1,
				StoreErrors:    true,
				Compression:    false,
				Endpoints: map[string]*EndpointRule{
					"health":  {TTLDays: 90, StoreOnError: true, Compression: true, Priority: 1},
					"metrics": {TTLDays: 90, StoreOnError: true, Compression: true, Priority: 1},
					"status":  {TTLDays: 90, StoreOnError: true, Compression: true, Priority: 1},
				},
			},
		},
	}
}

type fileConfig struct {
	StorageEnabled *bool                    `yaml:"storage_enabled"`
	Providers      map[string]*ProviderRule `yaml:"providers"`
}

// LoadFile reads a YAML rule file and overlays it on the defaults. A provider
// named in the file replaces the default entry wholly; providers it does not
// name keep theirs. The result is validated before it is handed out.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WithKind(common.EErrorKind.Config(), err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "parse %s: %v", path, err)
	}

	cfg := Defaults()
	if file.StorageEnabled != nil {
		cfg.StorageEnabled = *file.StorageEnabled
	}
	for name, rule := range file.Providers {
		cfg.Providers[strings.ToUpper(name)] = rule
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, common.KindErrorf(common.EErrorKind.Config(),
			"%s: %s", path, strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate names every problem instead of stopping at the first, so one
// reload round trip can fix a whole broken file.
func (c *Config) Validate() []string {
	var errs []string
	for name, p := range c.Providers {
		if p == nil {
			errs = append(errs, fmt.Sprintf("provider %s: empty rule", name))
			continue
		}
		if p.DefaultTTLDays <= 0 {
			errs = append(errs, fmt.Sprintf("provider %s: default_ttl_days must be positive", name))
		}
		if p.MaxSizeMB <= 0 {
			errs = append(errs, fmt.Sprintf("provider %s: max_response_size_mb must be positive", name))
		}
		for ep, e := range p.Endpoints {
			if e == nil {
				errs = append(errs, fmt.Sprintf("provider %s endpoint %s: empty rule", name, ep))
				continue
			}
			if e.TTLDays <= 0 {
				errs = append(errs, fmt.Sprintf("provider %s endpoint %s: ttl_days must be positive", name, ep))
			}
			if e.MaxSizeMB < 0 {
				errs = append(errs, fmt.Sprintf("provider %s endpoint %s: max_response_size_mb must not be negative", name, ep))
			}
			if e.Priority < 1 || e.Priority > 3 {
				errs = append(errs, fmt.Sprintf("provider %s endpoint %s: priority must be 1, 2 or 3", name, ep))
			}
		}
	}
	return errs
}
