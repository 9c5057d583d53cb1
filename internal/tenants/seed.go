// ABOUTME: Tenant seed file loading for boot-time session autostart.
// ABOUTME: Parses a TOML list of tenants with optional webhook endpoints.

package tenants

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Tenant is one seeded tenant definition.
type Tenant struct {
	ID            string `toml:"id"`
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
	// Autostart starts the tenant's session during gateway boot.
	Autostart bool `toml:"autostart"`
}

// Seed is the parsed seed file.
type Seed struct {
	Tenants []Tenant `toml:"tenants"`
}

// Load reads a tenant seed file from the given path, expanding environment
// variables in ${VAR} syntax.
func Load(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var seed Seed
	if _, err := toml.Decode(expanded, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("validating seed file: %w", err)
	}

	return &seed, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that every tenant entry is usable.
func (s *Seed) Validate() error {
	seen := make(map[string]bool)
	for i, t := range s.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true

		if t.WebhookURL != "" {
			u, err := url.Parse(t.WebhookURL)
			if err != nil {
				return fmt.Errorf("tenant %s: webhook_url is not a valid URL: %w", t.ID, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("tenant %s: webhook_url must use http or https scheme", t.ID)
			}
		}
		if t.WebhookSecret != "" && t.WebhookURL == "" {
			return fmt.Errorf("tenant %s: webhook_secret set without webhook_url", t.ID)
		}
	}
	return nil
}
