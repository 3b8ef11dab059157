package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLease(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateVolumes(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path must be set for the sqlite driver")
		}
		if c.Storage.LockFile == "" {
			return errors.New("storage.lock_file must be set for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver. Set ARBITER_POSTGRES_DSN or edit the config file")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver: unsupported value %q (want sqlite, postgres or memory)", c.Storage.Driver)
	}
	return nil
}

func (c *Config) validateLease() error {
	if c.Lease.TTLSeconds < 0 {
		return errors.New("lease.ttl_seconds must be >= 0")
	}
	if c.Lease.SweepIntervalMS <= 0 {
		return errors.New("lease.sweep_interval_ms must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateVolumes() error {
	seen := make(map[string]struct{}, len(c.Volumes))
	for i, v := range c.Volumes {
		if v.Name == "" {
			return fmt.Errorf("volumes[%d].name must be set", i)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("volumes[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = struct{}{}

		if !c.Kubernetes.Enabled {
			continue
		}
		if v.Namespace == "" {
			return fmt.Errorf("volumes[%d].namespace must be set when kubernetes.enabled is true", i)
		}
		if v.ProducerDeployment == "" || v.ConsumerDeployment == "" {
			return fmt.Errorf("volumes[%d]: producer_deployment and consumer_deployment must be set when kubernetes.enabled is true", i)
		}
		if v.ProducerDeployment == v.ConsumerDeployment {
			return fmt.Errorf("volumes[%d]: producer and consumer deployments must differ", i)
		}
	}
	return nil
}
