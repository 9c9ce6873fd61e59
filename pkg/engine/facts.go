package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/stores"
	"github.com/openfroyo/froyo-play/pkg/transports"
)

// FactValue is a string, a bool or an ordered list of strings.
type FactValue struct {
	str  string
	b    bool
	list []string
	kind factKind
}

type factKind int

const (
	factString factKind = iota
	factBool
	factList
)

// StringFact creates a string-valued fact.
func StringFact(s string) FactValue {
	return FactValue{str: s, kind: factString}
}

// BoolFact creates a bool-valued fact.
func BoolFact(b bool) FactValue {
	return FactValue{b: b, kind: factBool}
}

// ListFact creates a list-valued fact. The slice is copied.
func ListFact(items []string) FactValue {
	return FactValue{list: append([]string(nil), items...), kind: factList}
}

// Value returns the fact as string, bool or []string. Lists are copied.
func (v FactValue) Value() any {
	switch v.kind {
	case factBool:
		return v.b
	case factList:
		return append([]string(nil), v.list...)
	default:
		return v.str
	}
}

// String renders the value for display.
func (v FactValue) String() string {
	switch v.kind {
	case factBool:
		if v.b {
			return "true"
		}
		return "false"
	case factList:
		return strings.Join(v.list, ",")
	default:
		return v.str
	}
}

// MarshalJSON encodes the underlying value.
func (v FactValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Value())
}

// UnmarshalJSON decodes a string, a bool or a list of strings.
func (v *FactValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case string:
		*v = StringFact(val)
	case bool:
		*v = BoolFact(val)
	case nil:
		*v = ListFact(nil)
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("fact list item %v is not a string", item)
			}
			items = append(items, s)
		}
		*v = ListFact(items)
	default:
		return fmt.Errorf("unsupported fact value %s", data)
	}
	return nil
}

// Facts is an immutable snapshot of one host's facts.
type Facts struct {
	host       string
	values     map[string]FactValue
	gatheredAt time.Time
}

// NewFacts creates a snapshot from values. The map is copied.
func NewFacts(host string, values map[string]FactValue) *Facts {
	copied := make(map[string]FactValue, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Facts{host: host, values: copied, gatheredAt: time.Now()}
}

// Host returns the inventory name the facts describe.
func (f *Facts) Host() string {
	if f == nil {
		return ""
	}
	return f.host
}

// Lookup returns the fact for key. The second result is false when the
// fact is undefined.
func (f *Facts) Lookup(key string) (FactValue, bool) {
	if f == nil {
		return FactValue{}, false
	}
	v, ok := f.values[key]
	return v, ok
}

// Keys returns the sorted fact keys.
func (f *Facts) Keys() []string {
	if f == nil {
		return nil
	}
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a fresh map of plain values.
func (f *Facts) Map() map[string]any {
	out := make(map[string]any)
	if f == nil {
		return out
	}
	for k, v := range f.values {
		out[k] = v.Value()
	}
	return out
}

// GatheredAt returns when the snapshot was taken.
func (f *Facts) GatheredAt() time.Time {
	if f == nil {
		return time.Time{}
	}
	return f.gatheredAt
}

// KnownFactKeys lists every key a gather may produce. Guards may refer to
// these even when a particular host does not report them.
var KnownFactKeys = []string{
	"os_family", "distribution", "distribution_version", "distribution_release",
	"system", "kernel", "architecture",
	"hostname",
	"service_mgr",
	"pkg_mgr", "packages",
}

// factCategory is one round-trip to the host.
type factCategory struct {
	name    string
	command string
	parse   func(stdout string, into map[string]FactValue)
}

var factCategories = []factCategory{
	{
		name:    "os",
		command: "cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release",
		parse:   parseOSRelease,
	},
	{
		name:    "platform",
		command: "uname -s -r -m",
		parse: func(stdout string, into map[string]FactValue) {
			fields := strings.Fields(stdout)
			if len(fields) >= 3 {
				into["system"] = StringFact(fields[0])
				into["kernel"] = StringFact(fields[1])
				into["architecture"] = StringFact(fields[2])
			}
		},
	},
	{
		name:    "hostname",
		command: "hostname",
		parse: func(stdout string, into map[string]FactValue) {
			if h := strings.TrimSpace(stdout); h != "" {
				into["hostname"] = StringFact(h)
			}
		},
	},
	{
		name:    "init",
		command: "cat /proc/1/comm 2>/dev/null || ps -p 1 -o comm=",
		parse: func(stdout string, into map[string]FactValue) {
			if s := strings.TrimSpace(stdout); s != "" {
				into["service_mgr"] = StringFact(s)
			}
		},
	},
	{
		name:    "packages",
		command: `if command -v dpkg-query >/dev/null 2>&1; then echo apt; dpkg-query -W -f='${db:Status-Abbrev} ${Package}\n' | awk '$1 ~ /^ii/ {print $2}'; elif command -v rpm >/dev/null 2>&1; then if command -v dnf >/dev/null 2>&1; then echo dnf; else echo yum; fi; rpm -qa --qf '%{NAME}\n'; fi`,
		parse: func(stdout string, into map[string]FactValue) {
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			if len(lines) == 0 || lines[0] == "" {
				return
			}
			into["pkg_mgr"] = StringFact(strings.TrimSpace(lines[0]))
			var pkgs []string
			for _, line := range lines[1:] {
				if line = strings.TrimSpace(line); line != "" {
					pkgs = append(pkgs, line)
				}
			}
			sort.Strings(pkgs)
			into["packages"] = ListFact(pkgs)
		},
	},
}

// parseOSRelease reads os-release KEY=value lines.
func parseOSRelease(stdout string, into map[string]FactValue) {
	kv := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		kv[key] = strings.Trim(value, `"'`)
	}

	if name := strings.Fields(kv["NAME"]); len(name) > 0 {
		into["distribution"] = StringFact(name[0])
	}
	if v := kv["VERSION_ID"]; v != "" {
		into["distribution_version"] = StringFact(v)
	}
	if v := kv["VERSION_CODENAME"]; v != "" {
		into["distribution_release"] = StringFact(v)
	}
	if family := osFamily(kv["ID"], kv["ID_LIKE"]); family != "" {
		into["os_family"] = StringFact(family)
	}
}

func osFamily(id, idLike string) string {
	candidates := append([]string{id}, strings.Fields(idLike)...)
	for _, c := range candidates {
		switch c {
		case "debian", "ubuntu":
			return "Debian"
		case "rhel", "fedora", "centos", "rocky", "almalinux":
			return "RedHat"
		case "alpine":
			return "Alpine"
		case "arch":
			return "Archlinux"
		case "suse", "opensuse", "sles":
			return "Suse"
		}
	}
	if id == "" {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

// FactStore gathers facts once per host and serves the cached snapshot
// for the rest of the run.
type FactStore struct {
	mu     sync.Mutex
	cache  map[string]*Facts
	store  stores.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewFactStore creates a fact store. store may be nil, in which case
// gathered facts are not persisted.
func NewFactStore(store stores.Store, logger zerolog.Logger) *FactStore {
	return &FactStore{
		cache:  make(map[string]*Facts),
		store:  store,
		ttl:    time.Hour,
		logger: logger.With().Str("component", "facts").Logger(),
	}
}

// Gather returns the facts for host, contacting it through t only on the
// first call. A transport failure yields a host_unreachable error.
func (s *FactStore) Gather(ctx context.Context, host string, t transports.Transport) (*Facts, error) {
	s.mu.Lock()
	if cached, ok := s.cache[host]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	start := time.Now()
	values := make(map[string]FactValue)
	byCategory := make(map[string]map[string]FactValue, len(factCategories))

	for _, cat := range factCategories {
		res, err := t.Exec(ctx, cat.command)
		if err != nil {
			return nil, NewHostUnreachableError(host, fmt.Errorf("gathering %s facts: %w", cat.name, err))
		}
		if !res.Success() {
			s.logger.Debug().Str("host", host).Str("category", cat.name).Int("exit_code", res.ExitCode).Msg("Fact category unavailable")
			continue
		}
		catValues := make(map[string]FactValue)
		cat.parse(res.Stdout, catValues)
		byCategory[cat.name] = catValues
		for k, v := range catValues {
			values[k] = v
		}
	}

	facts := NewFacts(host, values)

	s.mu.Lock()
	// Another worker may have raced us; keep the first snapshot.
	if cached, ok := s.cache[host]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.cache[host] = facts
	s.mu.Unlock()

	s.logger.Info().
		Str("host", host).
		Int("facts_count", len(values)).
		Dur("duration", time.Since(start)).
		Msg("Facts gathered")

	if s.store != nil {
		s.persist(ctx, host, byCategory)
	}

	return facts, nil
}

// maxStoredFacts bounds how many persisted facts Load reads for a host.
const maxStoredFacts = 10000

// Load returns the unexpired facts persisted for host by an earlier
// gather, without contacting it.
func (s *FactStore) Load(ctx context.Context, host string) (*Facts, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no run log to load facts for %s from", host)
	}
	stored, err := s.store.ListFacts(ctx, &host, nil, maxStoredFacts, 0)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("no stored facts for %s", host)
	}

	values := make(map[string]FactValue, len(stored))
	var newest time.Time
	for _, f := range stored {
		var v FactValue
		if err := json.Unmarshal([]byte(f.Value), &v); err != nil {
			s.logger.Warn().Err(err).Str("host", host).Str("key", f.Key).Msg("Skipping unreadable stored fact")
			continue
		}
		values[f.Key] = v
		if f.UpdatedAt.After(newest) {
			newest = f.UpdatedAt
		}
	}

	facts := NewFacts(host, values)
	facts.gatheredAt = newest
	return facts, nil
}

// Cached returns the snapshot for host without gathering.
func (s *FactStore) Cached(host string) (*Facts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.cache[host]
	return f, ok
}

// persist writes gathered facts to the run log. Failures are logged and
// do not affect the run.
func (s *FactStore) persist(ctx context.Context, host string, byCategory map[string]map[string]FactValue) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	for category, values := range byCategory {
		for key, value := range values {
			data, err := json.Marshal(value)
			if err != nil {
				continue
			}
			fact := &stores.Fact{
				ID:        uuid.New().String(),
				TargetID:  host,
				Namespace: category,
				Key:       key,
				Value:     string(data),
				TTL:       int(s.ttl.Seconds()),
				ExpiresAt: &expiresAt,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.store.UpsertFact(ctx, fact); err != nil {
				s.logger.Error().Err(err).Str("host", host).Str("key", key).Msg("Failed to store fact")
			}
		}
	}
}
