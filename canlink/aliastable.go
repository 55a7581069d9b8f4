package canlink

import (
	"errors"
	"fmt"

	"github.com/openlcb-go/lccnode/nodeid"
)

// ErrAliasCollision is returned when an alias is already bound to a
// different NodeID, or a NodeID is already bound to a different alias.
var ErrAliasCollision = errors.New("canlink: alias collision")

// aliasTable is the link-scoped, bidirectional alias<->NodeID mapping
// (spec.md §3 data model: "injective in both directions per link").
type aliasTable struct {
	aliasToNode map[nodeid.Alias]nodeid.NodeID
	nodeToAlias map[nodeid.NodeID]nodeid.Alias
}

func newAliasTable() *aliasTable {
	return &aliasTable{
		aliasToNode: make(map[nodeid.Alias]nodeid.NodeID),
		nodeToAlias: make(map[nodeid.NodeID]nodeid.Alias),
	}
}

// Insert binds alias<->node, rejecting anything that would break
// injectivity in either direction.
func (t *aliasTable) Insert(alias nodeid.Alias, node nodeid.NodeID) error {
	if existingNode, ok := t.aliasToNode[alias]; ok && !existingNode.Equal(node) {
		return fmt.Errorf("%w: alias %s already bound to %s", ErrAliasCollision, alias, existingNode)
	}
	if existingAlias, ok := t.nodeToAlias[node]; ok && existingAlias != alias {
		return fmt.Errorf("%w: node %s already bound to alias %s", ErrAliasCollision, node, existingAlias)
	}
	t.aliasToNode[alias] = node
	t.nodeToAlias[node] = alias
	return nil
}

func (t *aliasTable) NodeFor(alias nodeid.Alias) (nodeid.NodeID, bool) {
	n, ok := t.aliasToNode[alias]
	return n, ok
}

func (t *aliasTable) AliasFor(node nodeid.NodeID) (nodeid.Alias, bool) {
	a, ok := t.nodeToAlias[node]
	return a, ok
}

func (t *aliasTable) Remove(alias nodeid.Alias) {
	if node, ok := t.aliasToNode[alias]; ok {
		delete(t.nodeToAlias, node)
	}
	delete(t.aliasToNode, alias)
}

func (t *aliasTable) Clear() {
	t.aliasToNode = make(map[nodeid.Alias]nodeid.NodeID)
	t.nodeToAlias = make(map[nodeid.NodeID]nodeid.Alias)
}

func (t *aliasTable) Len() int {
	return len(t.aliasToNode)
}
