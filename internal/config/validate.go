package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the configuration is usable for the given run mode.
// Modes: "serve" (API server plus workers), "enrich" (one-shot enrichment
// pass), "cli" (store-backed commands such as migrate and jobs). All
// problems found are reported in a single error.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve":
		problems = append(problems, c.storeProblems()...)
		problems = append(problems, c.workerProblems()...)
		problems = append(problems, c.supplierProblems()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Monitoring.CheckIntervalSecs <= 0 {
			problems = append(problems, "monitoring.check_interval_secs must be > 0")
		}
	case "enrich":
		problems = append(problems, c.storeProblems()...)
		problems = append(problems, c.workerProblems()...)
		problems = append(problems, c.supplierProblems()...)
	case "cli":
		problems = append(problems, c.storeProblems()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) storeProblems() []string {
	var problems []string
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required when store.driver is sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required when store.driver is postgres")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	return problems
}

func (c *Config) workerProblems() []string {
	var problems []string
	if c.Workers.PerJob < 1 || c.Workers.PerJob > 64 {
		problems = append(problems, "workers.per_job must be between 1 and 64")
	}
	if c.Workers.GlobalLimit < c.Workers.PerJob {
		problems = append(problems, "workers.global_limit must be >= workers.per_job")
	}
	if c.Workers.MaxAttempts < 1 || c.Workers.MaxAttempts > 10 {
		problems = append(problems, "workers.max_attempts must be between 1 and 10")
	}
	if c.Workers.ClaimTTLSecs <= 0 {
		problems = append(problems, "workers.claim_ttl_secs must be > 0")
	}
	return problems
}

func (c *Config) supplierProblems() []string {
	if c.Suppliers.UseFixture {
		return nil
	}
	var problems []string
	if len(c.Suppliers.Entries) == 0 {
		problems = append(problems, "suppliers.entries is required when use_fixture is false")
	}
	for i, s := range c.Suppliers.Entries {
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("suppliers.entries[%d].name is required", i))
		}
		if s.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("suppliers.entries[%d].base_url is required", i))
		}
	}
	return problems
}
