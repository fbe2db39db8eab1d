// Package graph projects the registry into a node-link structure for
// visualization.
package graph

import (
	"fmt"
	"path/filepath"

	"github.com/semafold/semafold/internal/registry"
)

// Node kinds.
const (
	GroupRoot  = "root"
	GroupTopic = "topic"
	GroupFile  = "file"
)

// RootID is the identifier of the synthetic root node.
const RootID = "root"

// Node is one vertex of the projection. FilePath is set only for file
// nodes.
type Node struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Group    string `json:"group"`
	FilePath string `json:"filepath,omitempty"`
}

// Link is a directed edge from Source to Target.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the full projection.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Project builds the graph from a registry snapshot: a synthetic root,
// one topic node per live cluster with members, file nodes under their
// topics, and unclustered files attached directly to the root.
func Project(snap registry.Snapshot, rootLabel string) Graph {
	g := Graph{
		Nodes: []Node{{ID: RootID, Label: rootLabel, Group: GroupRoot}},
	}

	hasMembers := make(map[registry.ClusterID]bool)
	for _, d := range snap.Documents {
		hasMembers[d.Cluster] = true
	}

	for _, c := range snap.Clusters {
		if c.Retired || !hasMembers[c.ID] {
			continue
		}
		topicID := topicNodeID(c.ID)
		g.Nodes = append(g.Nodes, Node{ID: topicID, Label: c.Label, Group: GroupTopic})
		g.Links = append(g.Links, Link{Source: RootID, Target: topicID})
	}

	for _, d := range snap.Documents {
		g.Nodes = append(g.Nodes, Node{
			ID:       d.ID,
			Label:    filepath.Base(d.Path),
			Group:    GroupFile,
			FilePath: d.Path,
		})
		parent := RootID
		if d.Cluster != registry.Unclustered {
			parent = topicNodeID(d.Cluster)
		}
		g.Links = append(g.Links, Link{Source: parent, Target: d.ID})
	}

	return g
}

func topicNodeID(id registry.ClusterID) string {
	return fmt.Sprintf("topic-%d", id)
}
