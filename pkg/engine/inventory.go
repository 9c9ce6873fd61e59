package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ConnectionType selects the transport used for a host.
type ConnectionType string

const (
	// ConnectionSSH reaches the host over SSH.
	ConnectionSSH ConnectionType = "ssh"

	// ConnectionLocal acts on the machine running froyo-play.
	ConnectionLocal ConnectionType = "local"
)

// Host represents a managed host in the inventory.
type Host struct {
	Name           string            `yaml:"name" json:"name" validate:"required"`
	Address        string            `yaml:"address,omitempty" json:"address,omitempty"`
	Port           int               `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string            `yaml:"user,omitempty" json:"user,omitempty"`
	KeyPath        string            `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	Password       string            `yaml:"password,omitempty" json:"-"`
	Connection     ConnectionType    `yaml:"connection,omitempty" json:"connection,omitempty" validate:"omitempty,oneof=ssh local"`
	Become         bool              `yaml:"become,omitempty" json:"become,omitempty"`
	BecomePassword string            `yaml:"become_password,omitempty" json:"-"`
	Labels         map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Vars           map[string]any    `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// EffectiveAddress returns the address to dial, defaulting to the name.
func (h *Host) EffectiveAddress() string {
	if h.Address != "" {
		return h.Address
	}
	return h.Name
}

// Inventory lists the hosts a plan may target and named groups of them.
type Inventory struct {
	Hosts  []Host              `yaml:"hosts" json:"hosts" validate:"required,min=1,dive"`
	Groups map[string][]string `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Host looks up a host by name.
func (inv *Inventory) Host(name string) (*Host, bool) {
	for i := range inv.Hosts {
		if inv.Hosts[i].Name == name {
			return &inv.Hosts[i], true
		}
	}
	return nil, false
}

// Validate checks that host names are unique and groups reference known
// hosts.
func (inv *Inventory) Validate() error {
	seen := make(map[string]bool, len(inv.Hosts))
	for _, h := range inv.Hosts {
		if h.Name == "" {
			return fmt.Errorf("inventory host without name")
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate inventory host: %s", h.Name)
		}
		seen[h.Name] = true
	}
	for group, members := range inv.Groups {
		if seen[group] {
			return fmt.Errorf("group %s shadows a host name", group)
		}
		for _, m := range members {
			if !seen[m] {
				return fmt.Errorf("group %s references unknown host %s", group, m)
			}
		}
	}
	return nil
}

// Select resolves selectors to hosts in inventory order. A selector is a
// host name, a group name, a label selector (key=value[,key=value]) or
// "all". A non-empty limit restricts the result to the named hosts.
func (inv *Inventory) Select(selectors []string, limit []string) ([]Host, error) {
	wanted := make(map[string]bool)
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		switch {
		case sel == "all":
			for _, h := range inv.Hosts {
				wanted[h.Name] = true
			}
		case strings.Contains(sel, "="):
			labels := parseSelector(sel)
			for _, h := range inv.Hosts {
				if matchesLabels(h.Labels, labels) {
					wanted[h.Name] = true
				}
			}
		default:
			if members, ok := inv.Groups[sel]; ok {
				for _, m := range members {
					wanted[m] = true
				}
				continue
			}
			if _, ok := inv.Host(sel); !ok {
				return nil, fmt.Errorf("selector %q matches no host or group", sel)
			}
			wanted[sel] = true
		}
	}

	var allowed map[string]bool
	if len(limit) > 0 {
		allowed = make(map[string]bool, len(limit))
		for _, l := range limit {
			allowed[l] = true
		}
	}

	var hosts []Host
	for _, h := range inv.Hosts {
		if !wanted[h.Name] {
			continue
		}
		if allowed != nil && !allowed[h.Name] {
			continue
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// GroupsOf returns the sorted group names containing host.
func (inv *Inventory) GroupsOf(host string) []string {
	var groups []string
	for g, members := range inv.Groups {
		for _, m := range members {
			if m == host {
				groups = append(groups, g)
				break
			}
		}
	}
	sort.Strings(groups)
	return groups
}

// parseSelector parses a label selector string into a map.
// Format: "key1=value1,key2=value2"
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	pairs := strings.Split(selector, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			labels[key] = value
		}
	}

	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	if len(selectorLabels) == 0 {
		return true
	}

	for key, value := range selectorLabels {
		hostValue, ok := hostLabels[key]
		if !ok || hostValue != value {
			return false
		}
	}

	return true
}
