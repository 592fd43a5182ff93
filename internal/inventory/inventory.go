// Package inventory loads a YAML file of named SSH hosts and connects them to
// a multiplexer, jump hosts first.
//
//	hosts:
//	  bastion:
//	    host: bastion.example.com
//	    username: ops
//	  db:
//	    host: 10.0.0.12
//	    username: postgres
//	    via: bastion
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/sshmux/internal/sshmux"
)

// Inventory maps aliases to connection credentials.
type Inventory struct {
	Hosts map[string]sshmux.Credentials `yaml:"hosts"`
}

// Load reads and validates the inventory at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates an inventory document.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks that every host has an address and a user and that every
// via reference names another host of the inventory.
func (inv *Inventory) Validate() error {
	if len(inv.Hosts) == 0 {
		return errors.New("inventory has no hosts")
	}
	for _, alias := range inv.Aliases() {
		h := inv.Hosts[alias]
		if h.Host == "" || h.Username == "" {
			return fmt.Errorf("host %q: host and username are required", alias)
		}
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("host %q: invalid port %d", alias, h.Port)
		}
		if h.Via == "" {
			continue
		}
		if h.Via == alias {
			return fmt.Errorf("host %q: cannot use itself as jump host", alias)
		}
		if _, ok := inv.Hosts[h.Via]; !ok {
			return fmt.Errorf("host %q: unknown jump host %q", alias, h.Via)
		}
	}
	_, err := inv.Order()
	return err
}

// Aliases returns the host aliases sorted by name.
func (inv *Inventory) Aliases() []string {
	out := make([]string, 0, len(inv.Hosts))
	for alias := range inv.Hosts {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Order returns the aliases so that every jump host precedes the hosts
// tunnelled through it. Ties keep name order.
func (inv *Inventory) Order() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(inv.Hosts))
	order := make([]string, 0, len(inv.Hosts))

	var visit func(alias string, path []string) error
	visit = func(alias string, path []string) error {
		switch mark[alias] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("jump host cycle: %v", append(path, alias))
		}
		mark[alias] = visiting
		if via := inv.Hosts[alias].Via; via != "" {
			if _, ok := inv.Hosts[via]; ok {
				if err := visit(via, append(path, alias)); err != nil {
					return err
				}
			}
		}
		mark[alias] = done
		order = append(order, alias)
		return nil
	}

	for _, alias := range inv.Aliases() {
		if err := visit(alias, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Select returns the subset of the inventory needed to reach aliases,
// including their jump hosts. An empty selection means every host.
func (inv *Inventory) Select(aliases ...string) (*Inventory, error) {
	if len(aliases) == 0 {
		return inv, nil
	}
	out := &Inventory{Hosts: make(map[string]sshmux.Credentials)}
	for _, alias := range aliases {
		for cur := alias; cur != ""; cur = inv.Hosts[cur].Via {
			h, ok := inv.Hosts[cur]
			if !ok {
				return nil, fmt.Errorf("unknown host %q", cur)
			}
			if _, seen := out.Hosts[cur]; seen {
				break
			}
			out.Hosts[cur] = h
		}
	}
	return out, nil
}

// ConnectResult is the outcome of connecting one alias.
type ConnectResult struct {
	Alias   string
	Message string
	Err     error
}

// Connect connects every host in dependency order. A host whose jump host
// failed is skipped with an error rather than attempted. Connect returns an
// error joining all failures, alongside the per-alias results.
func (inv *Inventory) Connect(ctx context.Context, mux *sshmux.Multiplexer) ([]ConnectResult, error) {
	order, err := inv.Order()
	if err != nil {
		return nil, err
	}

	failed := make(map[string]bool)
	results := make([]ConnectResult, 0, len(order))
	var errs []error
	for _, alias := range order {
		creds := inv.Hosts[alias]
		if creds.Via != "" && failed[creds.Via] {
			failed[alias] = true
			err := fmt.Errorf("%s: jump host %q is not connected", alias, creds.Via)
			results = append(results, ConnectResult{Alias: alias, Err: err})
			errs = append(errs, err)
			continue
		}
		msg, err := mux.Connect(ctx, alias, creds)
		if err != nil {
			failed[alias] = true
			err = fmt.Errorf("%s: %w", alias, err)
			errs = append(errs, err)
		}
		results = append(results, ConnectResult{Alias: alias, Message: msg, Err: err})
	}
	return results, errors.Join(errs...)
}
