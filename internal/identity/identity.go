// Package identity defines the addressing scheme used to name a reachable
// agent or subordinate-through-proxy across the control plane.
package identity

import "fmt"

// Agent is the (app_name, address, component_name) triple that uniquely
// names a reachable agent or subordinate. Subordinates share their
// primary's address and are only reachable by proxying through it.
type Agent struct {
	AppName   string `json:"app_name"`
	Address   string `json:"address"`
	Component string `json:"component_name"`
}

// String renders the triple as a stable key, suitable for use as a map key
// or log field. Two Agent values with the same fields always render
// identically.
func (a Agent) String() string {
	return fmt.Sprintf("%s/%s/%s", a.AppName, a.Component, a.Address)
}

// CommonName returns the CA common name this agent's certificate must
// carry: "<component>.<app>.com".
func (a Agent) CommonName() string {
	return fmt.Sprintf("%s.%s.com", a.Component, a.AppName)
}

// IsPrimary reports whether this identity addresses the primary agent of an
// application rather than a subordinate reached through it. By convention
// the primary's component name is "primary"; subordinates carry their own
// component name and are only ever dialed via a transport's proxy target.
func (a Agent) IsPrimary() bool {
	return a.Component == "primary"
}
