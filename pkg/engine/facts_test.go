package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/stores"
	"github.com/openfroyo/froyo-play/pkg/transports"
	"github.com/openfroyo/froyo-play/pkg/transports/transporttest"
)

const ubuntuOSRelease = `NAME="Ubuntu"
VERSION_ID="22.04"
VERSION_CODENAME=jammy
ID=ubuntu
ID_LIKE=debian
`

func newFactHost() *transporttest.Fake {
	f := transporttest.NewFake()
	f.OnResult("os-release", ubuntuOSRelease, 0)
	f.OnResult("uname", "Linux 5.15.0-91-generic x86_64\n", 0)
	f.OnResult("/proc/1/comm", "systemd\n", 0)
	f.OnResult("hostname", "web1\n", 0)
	f.OnResult("dpkg-query", "apt\nnginx\ncurl\n", 0)
	return f
}

func TestFactStore_Gather(t *testing.T) {
	host := newFactHost()
	fs := NewFactStore(nil, zerolog.Nop())

	facts, err := fs.Gather(context.Background(), "web1", host)
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]any{
		"os_family":            "Debian",
		"distribution":         "Ubuntu",
		"distribution_version": "22.04",
		"distribution_release": "jammy",
		"system":               "Linux",
		"kernel":               "5.15.0-91-generic",
		"architecture":         "x86_64",
		"hostname":             "web1",
		"service_mgr":          "systemd",
		"pkg_mgr":              "apt",
		"packages":             []string{"curl", "nginx"},
	}
	if got := facts.Map(); !reflect.DeepEqual(got, want) {
		t.Errorf("facts = %v\nwant %v", got, want)
	}
	if facts.Host() != "web1" {
		t.Errorf("Host() = %s", facts.Host())
	}
}

func TestFactStore_GatherCachesPerHost(t *testing.T) {
	host := newFactHost()
	fs := NewFactStore(nil, zerolog.Nop())
	ctx := context.Background()

	first, err := fs.Gather(ctx, "web1", host)
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	calls := len(host.Commands())

	second, err := fs.Gather(ctx, "web1", host)
	if err != nil {
		t.Fatalf("second Gather() error = %v", err)
	}
	if first != second {
		t.Error("second Gather should return the cached snapshot")
	}
	if len(host.Commands()) != calls {
		t.Errorf("second Gather contacted the host: %d commands, want %d", len(host.Commands()), calls)
	}
	if _, ok := fs.Cached("web1"); !ok {
		t.Error("Cached(web1) should be present")
	}
	if _, ok := fs.Cached("db1"); ok {
		t.Error("Cached(db1) should be absent")
	}
}

func TestFactStore_GatherUnreachable(t *testing.T) {
	host := transporttest.NewFake()
	host.On("", func(string) (*transports.ExecResult, error) {
		return nil, &transports.TransportError{Op: "session", Err: errors.New("connection reset")}
	})

	fs := NewFactStore(nil, zerolog.Nop())
	_, err := fs.Gather(context.Background(), "web1", host)
	if !IsKind(err, ErrorKindHostUnreachable) {
		t.Fatalf("Gather() error = %v, want host_unreachable", err)
	}
	if _, ok := fs.Cached("web1"); ok {
		t.Error("failed gather must not be cached")
	}
}

func TestFactStore_MissingCategory(t *testing.T) {
	host := transporttest.NewFake()
	host.OnResult("os-release", "", 1)
	host.OnResult("uname", "Linux 6.1.0 aarch64\n", 0)

	fs := NewFactStore(nil, zerolog.Nop())
	facts, err := fs.Gather(context.Background(), "pi", host)
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if _, ok := facts.Lookup("os_family"); ok {
		t.Error("os_family should be undefined when os-release is unreadable")
	}
	if v, _ := facts.Lookup("architecture"); v.String() != "aarch64" {
		t.Errorf("architecture = %s", v.String())
	}
}

func TestFactStore_Persists(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	fs := NewFactStore(store, zerolog.Nop())
	if _, err := fs.Gather(ctx, "web1", newFactHost()); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	loaded, err := NewFactStore(store, zerolog.Nop()).Load(ctx, "web1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if v, _ := loaded.Lookup("os_family"); v.String() != "Debian" {
		t.Errorf("os_family = %s, want Debian", v.String())
	}
	if v, _ := loaded.Lookup("packages"); !reflect.DeepEqual(v.Value(), []string{"curl", "nginx"}) {
		t.Errorf("packages = %v", v.Value())
	}
	if loaded.GatheredAt().IsZero() {
		t.Error("loaded facts should carry their gather time")
	}

	if _, err := fs.Load(ctx, "db1"); err == nil {
		t.Error("Load() should fail for a host with no stored facts")
	}
	if _, err := NewFactStore(nil, zerolog.Nop()).Load(ctx, "web1"); err == nil {
		t.Error("Load() without a run log should fail")
	}
}

func TestParseOSRelease(t *testing.T) {
	tests := []struct {
		name    string
		release string
		want    map[string]string
	}{
		{"ubuntu", ubuntuOSRelease, map[string]string{"distribution": "Ubuntu", "os_family": "Debian", "distribution_version": "22.04"}},
		{"multi-word name", "NAME=\"Rocky Linux\"\nID=rocky\n", map[string]string{"distribution": "Rocky", "os_family": "RedHat"}},
		{"blank name", "NAME=\" \"\nID=alpine\n", map[string]string{"os_family": "Alpine"}},
		{"empty", "", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			into := make(map[string]FactValue)
			parseOSRelease(tt.release, into)
			for k, want := range tt.want {
				if got := into[k].String(); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
			if _, ok := into["distribution"]; ok && tt.want["distribution"] == "" {
				t.Errorf("distribution = %q, want unset", into["distribution"].String())
			}
		})
	}
}

func TestFactValue(t *testing.T) {
	if StringFact("x").Value() != "x" {
		t.Error("StringFact value")
	}
	if BoolFact(true).Value() != true {
		t.Error("BoolFact value")
	}
	if !reflect.DeepEqual(ListFact([]string{"a"}).Value(), []string{"a"}) {
		t.Error("ListFact value")
	}
	var nilFacts *Facts
	if len(nilFacts.Map()) != 0 || nilFacts.Keys() != nil {
		t.Error("nil facts should be empty")
	}
}
