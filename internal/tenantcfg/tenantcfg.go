// Package tenantcfg loads per-tenant profiles from a TOML file.
//
// Example:
//
//	[[tenant]]
//	id = "ward12"
//	name = "Ward 12 Office"
//	candidate_info = """
//	Rajesh Sharma, Ward 12 - Shivaji Nagar
//	Contact: +91 98765 43210
//	"""
//	calling_code = "91"
//	autostart = true
//	operator_phone = "${WARD12_OPERATOR}"
package tenantcfg

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/BTreeMap/SevakBot/internal/credstore"
)

// DefaultCallingCode is prefixed to bare 10-digit numbers.
const DefaultCallingCode = "91"

// Profile is one tenant's configuration.
type Profile struct {
	ID            string `toml:"id"`
	Name          string `toml:"name"`
	CandidateInfo string `toml:"candidate_info"`
	CallingCode   string `toml:"calling_code"`
	Autostart     bool   `toml:"autostart"`
	OperatorPhone string `toml:"operator_phone"`
}

type file struct {
	Tenants []Profile `toml:"tenant"`
}

// Set is an immutable collection of tenant profiles. A nil *Set is valid
// and behaves as an empty set.
type Set struct {
	byID map[string]Profile
}

// Load reads and parses the profile file at path. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant file %s: %w", path, err)
	}
	set, err := Parse(os.ExpandEnv(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("tenantcfg.Load: tenant profiles loaded", "path", path, "count", len(set.byID))
	return set, nil
}

// Parse parses profile TOML.
func Parse(data string) (*Set, error) {
	var f file
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tenant profiles: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		slog.Warn("tenantcfg.Parse: ignoring unknown keys", "keys", undecoded)
	}

	set := &Set{byID: make(map[string]Profile, len(f.Tenants))}
	for i, p := range f.Tenants {
		p.ID = strings.TrimSpace(p.ID)
		if err := credstore.ValidateTenantID(p.ID); err != nil {
			return nil, fmt.Errorf("tenant #%d: %w", i+1, err)
		}
		if _, dup := set.byID[p.ID]; dup {
			return nil, fmt.Errorf("tenant %s defined twice", p.ID)
		}
		p.CallingCode = strings.TrimPrefix(strings.TrimSpace(p.CallingCode), "+")
		if p.CallingCode == "" {
			p.CallingCode = DefaultCallingCode
		}
		if !isDigits(p.CallingCode) {
			return nil, fmt.Errorf("tenant %s: calling_code %q must be digits", p.ID, p.CallingCode)
		}
		set.byID[p.ID] = p
	}
	return set, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Get returns the configured profile for id.
func (s *Set) Get(id string) (Profile, bool) {
	if s == nil {
		return Profile{}, false
	}
	p, ok := s.byID[id]
	return p, ok
}

// Profile returns the profile for id, or defaults for an unconfigured tenant.
func (s *Set) Profile(id string) Profile {
	if p, ok := s.Get(id); ok {
		return p
	}
	return Profile{ID: id, Name: id, CallingCode: DefaultCallingCode}
}

// CallingCode returns the tenant's default calling code.
func (s *Set) CallingCode(id string) string {
	return s.Profile(id).CallingCode
}

// OperatorPhone returns the number operator alerts for id should go to.
func (s *Set) OperatorPhone(id string) string {
	p, _ := s.Get(id)
	return p.OperatorPhone
}

// All returns every profile ordered by id.
func (s *Set) All() []Profile {
	if s == nil {
		return nil
	}
	out := make([]Profile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Autostart returns the ids of tenants to connect at startup.
func (s *Set) Autostart() []string {
	var ids []string
	for _, p := range s.All() {
		if p.Autostart {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
