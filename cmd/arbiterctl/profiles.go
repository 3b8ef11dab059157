package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	yaml "gopkg.in/yaml.v3"
)

const defaultProfilesPath = "~/.config/volarbiter/profiles.yaml"

var ErrProfileInvalid = errors.New("profile is invalid")

// Profile is a saved connection to an arbiter.
type Profile struct {
	Server string `yaml:"server" json:"server"`
	Token  string `yaml:"token,omitempty" json:"-"`
}

// ProfileStore is the on-disk set of profiles. Current names the profile
// used when --profile is not given.
type ProfileStore struct {
	Current  string              `yaml:"current,omitempty" json:"current,omitempty"`
	Profiles map[string]*Profile `yaml:"profiles" json:"profiles"`
}

func (p *Profile) Verify() error {
	u, err := url.Parse(p.Server)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("%w: server is not an absolute URL: %q", ErrProfileInvalid, p.Server)
	}
	return nil
}

// LoadProfiles reads the store at path. A missing file yields an empty store.
func LoadProfiles(path string) (*ProfileStore, error) {
	store := &ProfileStore{Profiles: map[string]*Profile{}}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(buf, store); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if store.Profiles == nil {
		store.Profiles = map[string]*Profile{}
	}
	return store, nil
}

// Save writes the store with owner-only permissions; tokens are secrets.
func (s *ProfileStore) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	buf, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Lookup returns the named profile, or the current one when name is empty.
// The second result is false when nothing matched.
func (s *ProfileStore) Lookup(name string) (*Profile, bool, error) {
	if name == "" {
		name = s.Current
	}
	if name == "" {
		return nil, false, nil
	}
	p, ok := s.Profiles[name]
	if !ok {
		return nil, false, fmt.Errorf("profile %q not found", name)
	}
	return p, true, nil
}

func (s *ProfileStore) Names() []string {
	names := make([]string, 0, len(s.Profiles))
	for n := range s.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
