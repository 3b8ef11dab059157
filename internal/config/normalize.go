package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeServer()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeAuth()
	c.normalizeRedis()
	if err := c.normalizeKubernetes(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeVolumes()
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.ReadHeaderTimeoutMS <= 0 {
		c.Server.ReadHeaderTimeoutMS = defaultReadHeaderTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS <= 0 {
		c.Server.ShutdownTimeoutMS = defaultShutdownTimeoutMS
	}
}

func (c *Config) normalizeStorage() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = defaultDriver
	}
	if c.Storage.DSN == "" {
		if v, ok := os.LookupEnv("ARBITER_POSTGRES_DSN"); ok {
			c.Storage.DSN = strings.TrimSpace(v)
		}
	}
	if c.Storage.BusyTimeoutMS <= 0 {
		c.Storage.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = defaultMaxOpenConns
	}

	var err error
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = defaultDBPath
	}
	if c.Storage.Path, err = expandPath(c.Storage.Path); err != nil {
		return fmt.Errorf("storage.path: %w", err)
	}
	if strings.TrimSpace(c.Storage.LockFile) == "" && c.Storage.Driver == "sqlite" {
		c.Storage.LockFile = c.Storage.Path + ".lock"
	}
	if c.Storage.LockFile, err = expandPath(c.Storage.LockFile); err != nil {
		return fmt.Errorf("storage.lock_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeAuth() {
	if c.Auth.JWTSecret == "" {
		if v, ok := os.LookupEnv("ARBITER_JWT_SECRET"); ok {
			c.Auth.JWTSecret = v
		}
	}
	c.Auth.Issuer = strings.TrimSpace(c.Auth.Issuer)
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = defaultIssuer
	}
}

// normalizeRedis honours REDIS_HOST/REDIS_PORT, the variables the pipeline's
// services already read.
func (c *Config) normalizeRedis() {
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		if host, ok := os.LookupEnv("REDIS_HOST"); ok && strings.TrimSpace(host) != "" {
			port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
			if port == "" {
				port = defaultRedisPort
			}
			c.Redis.Addr = net.JoinHostPort(strings.TrimSpace(host), port)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		c.Redis.Addr = net.JoinHostPort("localhost", defaultRedisPort)
	}
	if strings.TrimSpace(c.Redis.Channel) == "" {
		c.Redis.Channel = defaultRedisChannel
	}
	if strings.TrimSpace(c.Redis.StatusKey) == "" {
		c.Redis.StatusKey = defaultRedisStatusKey
	}
}

func (c *Config) normalizeKubernetes() error {
	if c.Kubernetes.Kubeconfig == "" {
		return nil
	}
	var err error
	if c.Kubernetes.Kubeconfig, err = expandPath(c.Kubernetes.Kubeconfig); err != nil {
		return fmt.Errorf("kubernetes.kubeconfig: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeVolumes() {
	for i := range c.Volumes {
		v := &c.Volumes[i]
		v.Name = strings.TrimSpace(v.Name)
		v.Namespace = strings.TrimSpace(v.Namespace)
		v.ProducerDeployment = strings.TrimSpace(v.ProducerDeployment)
		v.ConsumerDeployment = strings.TrimSpace(v.ConsumerDeployment)
	}
	if len(c.Volumes) == 0 {
		c.Volumes = []Volume{{Name: defaultVolumeName}}
	}
}
