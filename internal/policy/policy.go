// Package policy decides which advisories the engine reacts to. Rules
// are loaded from a yaml file; an empty policy allows everything.
package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/rebuildd/internal/domain"
)

// Rule matches a name against an anchored regular expression.
type Rule struct {
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
	if err != nil {
		return fmt.Errorf("bad pattern %q: %w", r.Pattern, err)
	}
	r.re = re
	return nil
}

func (r *Rule) matches(name string) bool { return r.re.MatchString(name) }

// Config is the full rebuild policy.
type Config struct {
	// Allow lists advisory name patterns the engine reacts to. Empty
	// means all advisories are allowed.
	Allow []Rule `yaml:"advisory_allow"`
	// Deny lists advisory patterns rejected even when allowed, and even
	// for manual rebuild requests.
	Deny []Rule `yaml:"advisory_deny"`

	// ImageAllow and ImageDeny match image package names. Deny wins;
	// an empty allow list allows every image.
	ImageAllow []Rule `yaml:"image_allow"`
	ImageDeny  []Rule `yaml:"image_deny"`

	// ReleaseCategories limits the repositories whose images are
	// considered for rebuilds.
	ReleaseCategories []string `yaml:"release_categories"`
}

// Default is the policy used when no file is configured: react to every
// advisory in generally available repositories.
func Default() *Config {
	return &Config{
		ReleaseCategories: []string{"Generally Available", "Tech Preview", "Beta"},
	}
}

// Load reads and compiles a policy file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	for _, rules := range [][]Rule{cfg.Allow, cfg.Deny, cfg.ImageAllow, cfg.ImageDeny} {
		for i := range rules {
			if err := rules[i].compile(); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// CheckAdvisory reports whether the engine should react to the advisory.
// Manual requests skip the allow list but never the deny list. A
// rejection wraps domain.ErrPolicyRejected with the matched rule.
func (c *Config) CheckAdvisory(name string, manual bool) error {
	for _, r := range c.Deny {
		if r.matches(name) {
			return fmt.Errorf("%w: advisory %s denied by pattern %q",
				domain.ErrPolicyRejected, name, r.Pattern)
		}
	}
	if manual || len(c.Allow) == 0 {
		return nil
	}
	for _, r := range c.Allow {
		if r.matches(name) {
			return nil
		}
	}
	return fmt.Errorf("%w: advisory %s matches no allow rule", domain.ErrPolicyRejected, name)
}

// AllowsImage reports whether images of the given package name may be
// rebuilt. Deny wins over allow; an empty allow list allows everything.
func (c *Config) AllowsImage(name string) bool {
	for _, r := range c.ImageDeny {
		if r.matches(name) {
			return false
		}
	}
	if len(c.ImageAllow) == 0 {
		return true
	}
	for _, r := range c.ImageAllow {
		if r.matches(name) {
			return true
		}
	}
	return false
}
