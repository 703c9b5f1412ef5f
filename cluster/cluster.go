// Package cluster models the node topology of a deployment. The engine asks
// it one question on every request: is the target account's home node this
// process, and if not, where do we forward the request.
package cluster

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Node is one server in the cluster.
type Node struct {
	ID string `yaml:"id"`
	// ServiceURL is the base URL other nodes use to reach this node's
	// dispatch endpoint, like "https://mbox-3.example.com:7443/service/dispatch".
	ServiceURL string `yaml:"serviceUrl"`
}

// Topology is the parsed cluster layout plus the identity of this process.
type Topology struct {
	LocalID string `yaml:"localId"`
	Nodes   []Node `yaml:"nodes"`

	mu   sync.RWMutex
	byID map[string]Node
}

// Load reads a topology YAML file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return Parse(data)
}

// Parse decodes topology YAML and validates that the local node is listed.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if t.LocalID == "" {
		return nil, fmt.Errorf("topology: localId is required")
	}
	t.byID = make(map[string]Node, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("topology: node with empty id")
		}
		if _, dup := t.byID[n.ID]; dup {
			return nil, fmt.Errorf("topology: duplicate node id %q", n.ID)
		}
		t.byID[n.ID] = n
	}
	if _, ok := t.byID[t.LocalID]; !ok {
		return nil, fmt.Errorf("topology: local node %q not in node list", t.LocalID)
	}
	return &t, nil
}

// Single returns a one-node topology for standalone deployments and tests.
func Single(id string) *Topology {
	n := Node{ID: id}
	return &Topology{LocalID: id, Nodes: []Node{n}, byID: map[string]Node{id: n}}
}

// Local returns this process's node record.
func (t *Topology) Local() Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[t.LocalID]
}

// IsLocal reports whether nodeID names this process. An empty nodeID counts
// as local so accounts without a pinned home node are served in place.
func (t *Topology) IsLocal(nodeID string) bool {
	return nodeID == "" || nodeID == t.LocalID
}

// Lookup returns the node record for id.
func (t *Topology) Lookup(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	return n, ok
}

// URLFor resolves the dispatch endpoint of a remote node.
func (t *Topology) URLFor(nodeID string) (string, error) {
	n, ok := t.Lookup(nodeID)
	if !ok {
		return "", fmt.Errorf("topology: unknown node %q", nodeID)
	}
	if n.ServiceURL == "" {
		return "", fmt.Errorf("topology: node %q has no service url", nodeID)
	}
	return n.ServiceURL, nil
}

// Replace swaps the node set in place, keeping the local identity. Used by
// config reload.
func (t *Topology) Replace(nodes []Node) error {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("topology: duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}
	if _, ok := byID[t.LocalID]; !ok {
		return fmt.Errorf("topology: local node %q not in node list", t.LocalID)
	}
	t.mu.Lock()
	t.Nodes = nodes
	t.byID = byID
	t.mu.Unlock()
	return nil
}
