package resources

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
	"github.com/openfroyo/froyo-play/pkg/transports/transporttest"
)

func TestFile_CheckAndApply(t *testing.T) {
	ctx := context.Background()
	host := transporttest.NewFake()
	params := map[string]any{"path": "/etc/app/app.conf", "content": "port=80\n", "mode": "0640"}

	state, err := File{}.Check(ctx, host, params)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if state.Matches || state.Diff[0].Field != "state" {
		t.Fatalf("missing file should drift on state, got %+v", state)
	}

	if _, err := (File{}).Apply(ctx, host, params); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	f, ok := host.GetFile("/etc/app/app.conf")
	if !ok || string(f.Data) != "port=80\n" || f.Mode != 0o640 {
		t.Fatalf("written file = %+v", f)
	}
	if dir, ok := host.GetFile("/etc/app"); !ok || !dir.IsDir {
		t.Error("parent directory should be created")
	}

	state, err = File{}.Check(ctx, host, params)
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if !state.Matches {
		t.Errorf("after apply file should match, diff = %v", state.Diff)
	}
}

func TestFile_Drift(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		existing   *transporttest.File
		params     map[string]any
		wantFields []string
	}{
		{
			name:       "content differs",
			existing:   &transporttest.File{Data: []byte("old"), Mode: 0o644},
			params:     map[string]any{"path": "/f", "content": "new"},
			wantFields: []string{"content"},
		},
		{
			name:       "mode differs as yaml integer",
			existing:   &transporttest.File{Data: []byte("x"), Mode: 0o600},
			params:     map[string]any{"path": "/f", "mode": 420},
			wantFields: []string{"mode"},
		},
		{
			name:       "mode and content",
			existing:   &transporttest.File{Data: []byte("x"), Mode: 0o600},
			params:     map[string]any{"path": "/f", "mode": "644", "content": "y"},
			wantFields: []string{"mode", "content"},
		},
		{
			name:       "should be absent",
			existing:   &transporttest.File{Data: []byte("x"), Mode: 0o600},
			params:     map[string]any{"path": "/f", "state": "absent"},
			wantFields: []string{"state"},
		},
		{
			name:       "already absent",
			params:     map[string]any{"path": "/f", "state": "absent"},
			wantFields: nil,
		},
		{
			name:       "file where directory wanted",
			existing:   &transporttest.File{Data: []byte("x"), Mode: 0o644},
			params:     map[string]any{"path": "/f", "state": "directory"},
			wantFields: []string{"state"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := transporttest.NewFake()
			if tt.existing != nil {
				host.PutFile("/f", tt.existing.Data, tt.existing.Mode)
			}
			state, err := File{}.Check(ctx, host, tt.params)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			var fields []string
			for _, c := range state.Diff {
				fields = append(fields, c.Field)
			}
			if strings.Join(fields, ",") != strings.Join(tt.wantFields, ",") {
				t.Errorf("diff fields = %v, want %v", fields, tt.wantFields)
			}
			if state.Matches != (len(tt.wantFields) == 0) {
				t.Errorf("Matches = %v", state.Matches)
			}

			if len(tt.wantFields) == 0 {
				return
			}
			if _, err := (File{}).Apply(ctx, host, tt.params); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			state, err = File{}.Check(ctx, host, tt.params)
			if err != nil {
				t.Fatalf("Check() after Apply error = %v", err)
			}
			if !state.Matches {
				t.Errorf("after Apply diff = %v", state.Diff)
			}
		})
	}
}

func TestFile_CheckErrors(t *testing.T) {
	ctx := context.Background()
	host := transporttest.NewFake()
	host.StatErr["/secret"] = &fs.PathError{Op: "stat", Path: "/secret", Err: fs.ErrPermission}

	if _, err := (File{}).Check(ctx, host, map[string]any{"path": "/secret"}); err == nil || !errors.Is(err, fs.ErrPermission) {
		t.Errorf("permission error should surface, got %v", err)
	}

	invalid := []map[string]any{
		{"content": "x"},
		{"path": "relative/path"},
		{"path": "/f", "state": "gone"},
		{"path": "/f", "mode": "rwx"},
		{"path": "/f", "colour": "blue"},
	}
	for _, params := range invalid {
		_, err := File{}.Check(ctx, host, params)
		if !engine.IsKind(err, engine.ErrorKindPlanInvalid) {
			t.Errorf("Check(%v) error = %v, want plan_invalid", params, err)
		}
	}
}

func TestPackage(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		setup       func(f *transporttest.Fake)
		params      map[string]any
		wantMatches bool
		wantApply   string
	}{
		{
			name: "apt installed",
			setup: func(f *transporttest.Fake) {
				f.OnResult("command -v dpkg-query", "apt\n", 0)
				f.OnResult("dpkg-query -W", "install ok installed 1.24.0-1", 0)
			},
			params:      map[string]any{"name": "nginx"},
			wantMatches: true,
		},
		{
			name: "apt missing",
			setup: func(f *transporttest.Fake) {
				f.OnResult("command -v dpkg-query", "apt\n", 0)
				f.OnResult("dpkg-query -W", "", 1)
			},
			params:    map[string]any{"name": "nginx"},
			wantApply: "apt-get install -y -q 'nginx'",
		},
		{
			name: "rpm remove",
			setup: func(f *transporttest.Fake) {
				f.OnResult("rpm -q", "1.20.1-1.el9", 0)
			},
			params:    map[string]any{"name": "httpd", "state": "absent", "manager": "dnf"},
			wantApply: "dnf remove -y -q 'httpd'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := transporttest.NewFake()
			tt.setup(host)

			state, err := Package{}.Check(ctx, host, tt.params)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if state.Matches != tt.wantMatches {
				t.Fatalf("Matches = %v, want %v", state.Matches, tt.wantMatches)
			}
			if tt.wantApply == "" {
				return
			}
			if _, err := (Package{}).Apply(ctx, host, tt.params); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if host.CountCommands(tt.wantApply) != 1 {
				t.Errorf("commands = %v, want one containing %q", host.Commands(), tt.wantApply)
			}
		})
	}
}

func TestPackage_ApplyFailure(t *testing.T) {
	host := transporttest.NewFake()
	host.On("apt-get install", func(string) (*transports.ExecResult, error) {
		return &transports.ExecResult{ExitCode: 100, Stderr: "E: Unable to locate package nope\n"}, nil
	})

	res, err := Package{}.Apply(context.Background(), host, map[string]any{"name": "nope", "manager": "apt"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.RC != 100 || !strings.Contains(res.Stderr, "Unable to locate") {
		t.Errorf("result = %+v", res)
	}
}

func TestService(t *testing.T) {
	ctx := context.Background()
	host := transporttest.NewFake()
	host.OnResult("is-active", "inactive\n", 3)
	host.OnResult("is-enabled", "enabled\n", 0)

	params := map[string]any{"name": "nginx", "state": "started", "enabled": true}
	state, err := Service{}.Check(ctx, host, params)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if state.Matches || len(state.Diff) != 1 || state.Diff[0].Field != "state" {
		t.Fatalf("state = %+v", state)
	}

	res, err := Service{}.Apply(ctx, host, params)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if host.CountCommands("systemctl start 'nginx'") != 1 || host.CountCommands("systemctl enable") != 0 {
		t.Errorf("commands = %v", host.Commands())
	}
	if res.Message != "start" {
		t.Errorf("Message = %q", res.Message)
	}

	if _, err := (Service{}).Check(ctx, host, map[string]any{"name": "nginx"}); !engine.IsKind(err, engine.ErrorKindPlanInvalid) {
		t.Errorf("service without state or enabled: error = %v", err)
	}
}

func TestService_NoSystemctl(t *testing.T) {
	host := transporttest.NewFake()
	host.OnResult("is-active", "", 127)
	if _, err := (Service{}).Check(context.Background(), host, map[string]any{"name": "x", "state": "started"}); err == nil {
		t.Error("missing systemctl should fail the check")
	}
}

func TestFirewall(t *testing.T) {
	ctx := context.Background()
	added := "Added user rules (see 'ufw status' for running firewall):\nufw allow 22/tcp\nufw allow 80/tcp from 10.0.0.0/8\n"

	tests := []struct {
		name        string
		params      map[string]any
		wantMatches bool
		wantCmd     string
	}{
		{"present rule", map[string]any{"port": 22}, true, ""},
		{"missing rule", map[string]any{"port": 443}, false, "ufw allow 443/tcp"},
		{"deny differs from allow", map[string]any{"port": 22, "rule": "deny"}, false, "ufw deny 22/tcp"},
		{"remove rule", map[string]any{"port": 22, "state": "absent"}, false, "ufw delete allow 22/tcp"},
		{"udp", map[string]any{"port": 53, "proto": "udp"}, false, "ufw allow 53/udp"},
		{"qualified rule is another rule", map[string]any{"port": 80}, false, "ufw allow 80/tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := transporttest.NewFake()
			host.OnResult("ufw show added", added, 0)

			state, err := Firewall{}.Check(ctx, host, tt.params)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if state.Matches != tt.wantMatches {
				t.Fatalf("Matches = %v, want %v", state.Matches, tt.wantMatches)
			}
			if tt.wantCmd == "" {
				return
			}
			if _, err := (Firewall{}).Apply(ctx, host, tt.params); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if host.CountCommands(tt.wantCmd) != 1 {
				t.Errorf("commands = %v, want %q", host.Commands(), tt.wantCmd)
			}
		})
	}
}

func TestFirewall_InactiveConverges(t *testing.T) {
	ctx := context.Background()
	host := transporttest.NewFake()

	var rules []string
	host.OnResult("ufw status", "Status: inactive\n", 0)
	host.On("ufw show added", func(string) (*transports.ExecResult, error) {
		out := "Added user rules (see 'ufw status' for running firewall):\n"
		if len(rules) == 0 {
			out += "(None)\n"
		}
		for _, r := range rules {
			out += r + "\n"
		}
		return &transports.ExecResult{Stdout: out}, nil
	})
	host.On("ufw allow", func(cmd string) (*transports.ExecResult, error) {
		rules = append(rules, cmd)
		return &transports.ExecResult{}, nil
	})

	params := map[string]any{"port": 80}
	for run := 1; run <= 2; run++ {
		state, err := Firewall{}.Check(ctx, host, params)
		if err != nil {
			t.Fatalf("run %d: Check() error = %v", run, err)
		}
		if state.Matches {
			continue
		}
		if run == 2 {
			t.Fatalf("second run found no rule, commands = %v", host.Commands())
		}
		if _, err := (Firewall{}).Apply(ctx, host, params); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if n := host.CountCommands("ufw allow 80/tcp"); n != 1 {
		t.Errorf("rule added %d times, want 1", n)
	}
}

func TestShell(t *testing.T) {
	ctx := context.Background()

	t.Run("creates exists", func(t *testing.T) {
		host := transporttest.NewFake()
		host.PutFile("/opt/app/.installed", nil, 0o644)
		state, err := Shell{}.Check(ctx, host, map[string]any{"cmd": "install.sh", "creates": "/opt/app/.installed"})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if state.Skip == "" {
			t.Error("existing creates path should skip")
		}
	})

	t.Run("removes absent", func(t *testing.T) {
		host := transporttest.NewFake()
		state, err := Shell{}.Check(ctx, host, map[string]any{"cmd": "rm -rf /tmp/cache", "removes": "/tmp/cache"})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if state.Skip == "" {
			t.Error("absent removes path should skip")
		}
	})

	t.Run("runs with chdir and env", func(t *testing.T) {
		host := transporttest.NewFake()
		host.OnResult("make", "built\n", 0)
		params := map[string]any{"cmd": "make build", "chdir": "/src", "env": map[string]any{"GOOS": "linux"}}

		state, err := Shell{}.Check(ctx, host, params)
		if err != nil || state.Matches || state.Skip != "" {
			t.Fatalf("Check() = %+v, %v", state, err)
		}
		res, err := Shell{}.Apply(ctx, host, params)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		want := "cd '/src' && env 'GOOS=linux' sh -c 'make build'"
		if cmds := host.Commands(); len(cmds) != 1 || cmds[0] != want {
			t.Errorf("commands = %v, want %q", cmds, want)
		}
		if res.Stdout != "built" {
			t.Errorf("Stdout = %q", res.Stdout)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		host := transporttest.NewFake()
		host.On("false", func(string) (*transports.ExecResult, error) {
			return &transports.ExecResult{ExitCode: 1, Stderr: "boom\n"}, nil
		})
		res, err := Shell{}.Apply(ctx, host, map[string]any{"cmd": "false"})
		if err == nil {
			t.Fatal("expected error")
		}
		if res.RC != 1 || res.Stderr != "boom" {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestWait(t *testing.T) {
	ctx := context.Background()

	t.Run("already open", func(t *testing.T) {
		host := transporttest.NewFake()
		state, err := Wait{}.Check(ctx, host, map[string]any{"port": 8080})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !state.Matches {
			t.Error("dial exit 0 means open")
		}
		if !strings.Contains(host.Commands()[0], "/dev/tcp/127.0.0.1/8080") {
			t.Errorf("dial = %q", host.Commands()[0])
		}
	})

	t.Run("opens on third attempt", func(t *testing.T) {
		host := transporttest.NewFake()
		attempts := 0
		host.On("/dev/tcp", func(string) (*transports.ExecResult, error) {
			attempts++
			if attempts < 3 {
				return &transports.ExecResult{ExitCode: 1}, nil
			}
			return &transports.ExecResult{}, nil
		})
		params := map[string]any{"host": "db", "port": 5432, "timeout": "1s", "interval": "10ms"}
		if _, err := (Wait{}).Apply(ctx, host, params); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("times out", func(t *testing.T) {
		host := transporttest.NewFake()
		host.OnResult("/dev/tcp", "", 1)
		params := map[string]any{"port": 9, "timeout": "50ms", "interval": "10ms"}
		if _, err := (Wait{}).Apply(ctx, host, params); err == nil || !strings.Contains(err.Error(), "timed out") {
			t.Errorf("Apply() error = %v, want timeout", err)
		}
		if n := host.CountCommands("/dev/tcp"); n != 5 {
			t.Errorf("attempts = %d, want 5", n)
		}
	})

	t.Run("stopped", func(t *testing.T) {
		host := transporttest.NewFake()
		host.OnResult("/dev/tcp", "", 1)
		state, err := Wait{}.Check(ctx, host, map[string]any{"port": 80, "state": "stopped"})
		if err != nil || !state.Matches {
			t.Errorf("closed port should satisfy state=stopped: %+v, %v", state, err)
		}
	})
}

func TestNewRegistry(t *testing.T) {
	kinds := NewRegistry().Kinds()
	want := "file,firewall,package,service,shell,wait"
	if strings.Join(kinds, ",") != want {
		t.Errorf("Kinds() = %v, want %s", kinds, want)
	}
}
