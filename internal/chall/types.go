// Package chall parses, validates, and edits per-challenge chall.yaml
// descriptors. Parsing works on the yaml.v3 node tree so that validation can
// report every top-level problem at once and the editor can perform byte-exact
// in-place edits that leave untouched regions of the file alone.
package chall

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arcs-ctf/deployd/internal/domain"
)

// FlagKind discriminates the Flag union.
type FlagKind string

const (
	// FlagLiteral is a flag given inline as a string.
	FlagLiteral FlagKind = "literal"
	// FlagFile is a flag stored in a file relative to the challenge directory.
	FlagFile FlagKind = "file"
)

// Flag is either a literal flag string or a relative path to a flag file.
type Flag struct {
	Kind  FlagKind `json:"kind"`
	Value string   `json:"value"`
}

// File is one challenge asset, optionally pinned to a container type.
type File struct {
	Src       string               `json:"src"`
	Container domain.ContainerType `json:"container,omitempty"`
}

// Expose is the port/protocol pair of a deploy target, parsed from the
// "<port>/{tcp|udp}" form.
type Expose struct {
	Port     uint32                 `json:"port"`
	Protocol domain.NetworkProtocol `json:"protocol"`
}

// String renders the canonical "<port>/<protocol>" form.
func (e Expose) String() string {
	return fmt.Sprintf("%d/%s", e.Port, e.Protocol)
}

// ParseExpose parses "<port>/{tcp|udp}" with port in [1, 65535].
func ParseExpose(s string) (Expose, error) {
	portStr, protoStr, ok := strings.Cut(s, "/")
	if !ok {
		return Expose{}, fmt.Errorf("expose %q: want <port>/{tcp|udp}", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return Expose{}, fmt.Errorf("expose %q: bad port: %v", s, err)
	}
	if port < 1 || port > 65535 {
		return Expose{}, fmt.Errorf("expose %q: port must be in [1, 65535]", s)
	}
	proto := domain.NetworkProtocol(strings.ToLower(protoStr))
	if proto != domain.ProtocolTCP && proto != domain.ProtocolUDP {
		return Expose{}, fmt.Errorf("expose %q: protocol must be tcp or udp", s)
	}
	return Expose{Port: uint32(port), Protocol: proto}, nil
}

// DeployTarget is the deployment description for one target type.
type DeployTarget struct {
	Expose   Expose `json:"expose"`
	Replicas uint8  `json:"replicas"` // defaults to 1
	Build    string `json:"build"`    // build path relative to the chall dir, defaults to "."
}

// Challenge is the verified shape of a chall.yaml descriptor.
type Challenge struct {
	Name        string                                `json:"name"`
	Description string                                `json:"description"`
	Points      uint64                                `json:"points"`
	Visible     bool                                  `json:"visible"`
	Categories  []string                              `json:"categories"`
	Authors     []string                              `json:"authors,omitempty"`
	Hints       []string                              `json:"hints,omitempty"`
	Flag        Flag                                  `json:"flag"`
	Files       []File                                `json:"files,omitempty"`
	Deploy      map[domain.TargetType]*DeployTarget   `json:"deploy,omitempty"`
}

// Target returns the deploy target for t, or nil when absent.
func (c *Challenge) Target(t domain.TargetType) *DeployTarget {
	if c.Deploy == nil {
		return nil
	}
	return c.Deploy[t]
}

// StaticFiles returns the files marked with the static container type.
func (c *Challenge) StaticFiles() []File {
	var out []File
	for _, f := range c.Files {
		if f.Container == domain.ContainerStatic {
			out = append(out, f)
		}
	}
	return out
}

// HasDeployTargets reports whether any deploy target is declared.
func (c *Challenge) HasDeployTargets() bool {
	return len(c.Deploy) > 0
}
