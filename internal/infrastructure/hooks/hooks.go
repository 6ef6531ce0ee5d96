// Package hooks runs system-wide transaction hooks.
//
// Hooks are executable scripts under /etc/rookpkg/hooks.d named
// NN-name.hook, where NN is a two digit execution order. A hook
// declares the events it reacts to with a comment line of the form
// "# EVENTS: pre-transaction post-transaction"; without one it runs
// on post-transaction only. Transaction context is passed through
// ROOKPKG_* environment variables.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Extension is the required suffix for hook scripts.
const Extension = ".hook"

// DefaultOrder is assigned to hooks without a numeric filename prefix.
const DefaultOrder = 50

// Event identifies a point in the transaction lifecycle.
type Event string

const (
	// EventPreTransaction fires before a transaction begins.
	EventPreTransaction Event = "pre-transaction"
	// EventPostTransaction fires after a transaction commits.
	EventPostTransaction Event = "post-transaction"
	// EventTransactionFailed fires after a transaction fails, before rollback.
	EventTransactionFailed Event = "transaction-failed"
)

// ParseEvent maps an event name to an Event.
func ParseEvent(name string) (Event, error) {
	switch Event(name) {
	case EventPreTransaction, EventPostTransaction, EventTransactionFailed:
		return Event(name), nil
	}
	return "", fmt.Errorf("unknown hook event: %s", name)
}

// Operation describes what a transaction does to a package.
type Operation string

const (
	OperationInstall Operation = "install"
	OperationRemove  Operation = "remove"
	OperationUpgrade Operation = "upgrade"
)

// Context carries transaction details into hook scripts.
type Context struct {
	Event         Event
	TransactionID string
	Root          string

	packages   []string
	operations map[string]Operation
}

// NewContext creates a hook context for a transaction.
func NewContext(event Event, transactionID, root string) *Context {
	return &Context{
		Event:         event,
		TransactionID: transactionID,
		Root:          root,
		operations:    make(map[string]Operation),
	}
}

// AddPackage records a package and its operation. Adding the same
// package twice keeps its position and updates the operation.
func (c *Context) AddPackage(name string, op Operation) {
	if _, ok := c.operations[name]; !ok {
		c.packages = append(c.packages, name)
	}
	c.operations[name] = op
}

// Packages returns the involved packages in insertion order.
func (c *Context) Packages() []string {
	return c.packages
}

// EnvVars renders the context as KEY=VALUE environment entries.
func (c *Context) EnvVars() []string {
	env := []string{
		"ROOKPKG_HOOK_EVENT=" + string(c.Event),
		"ROOKPKG_TRANSACTION_ID=" + c.TransactionID,
		"ROOKPKG_ROOT=" + c.Root,
		"ROOKPKG_PACKAGES=" + strings.Join(c.packages, " "),
	}

	seen := make(map[Operation]bool)
	var ops []string
	for _, name := range c.packages {
		op := c.operations[name]
		if !seen[op] {
			seen[op] = true
			ops = append(ops, string(op))
		}
	}
	env = append(env, "ROOKPKG_OPERATIONS="+strings.Join(ops, " "))

	for _, name := range c.packages {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, fmt.Sprintf("ROOKPKG_OP_%s=%s", key, c.operations[name]))
	}

	return env
}

// Hook is a discovered hook script.
type Hook struct {
	Name   string
	Path   string
	Order  int
	Events []Event
}

// LoadHook parses a hook script from disk. The execution order comes
// from the NN- filename prefix, the triggering events from the
// "# EVENTS:" comment in the script body.
func LoadHook(path string) (*Hook, error) {
	filename := filepath.Base(path)
	if !strings.HasSuffix(filename, Extension) {
		return nil, fmt.Errorf("not a hook file: %s", filename)
	}

	name := strings.TrimSuffix(filename, Extension)
	order := DefaultOrder
	if len(name) > 3 && name[2] == '-' {
		if n, err := strconv.Atoi(name[:2]); err == nil {
			order = n
			name = name[3:]
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hook %s: %w", filename, err)
	}

	return &Hook{
		Name:   name,
		Path:   path,
		Order:  order,
		Events: parseEvents(string(content)),
	}, nil
}

// TriggersOn reports whether the hook reacts to an event.
func (h *Hook) TriggersOn(event Event) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// parseEvents extracts the declared events from a hook script.
// Scripts without an EVENTS comment default to post-transaction,
// the safest choice for a hook written before events existed.
func parseEvents(content string) []Event {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if !strings.HasPrefix(rest, "EVENTS:") {
			continue
		}

		var events []Event
		for _, name := range strings.Fields(strings.TrimPrefix(rest, "EVENTS:")) {
			event, err := ParseEvent(name)
			if err != nil {
				continue
			}
			events = append(events, event)
		}
		if len(events) > 0 {
			return events
		}
	}
	return []Event{EventPostTransaction}
}

// sortHooks orders hooks by numeric order, then name for stability.
func sortHooks(hooks []*Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Order != hooks[j].Order {
			return hooks[i].Order < hooks[j].Order
		}
		return hooks[i].Name < hooks[j].Name
	})
}
