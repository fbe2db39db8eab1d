// Package registry holds the authoritative in-memory table of known
// documents and their cluster assignments.
//
// Mutations go through a single logical writer section at a time; readers
// observe point-in-time snapshots and never a partially applied pass.
package registry

import (
	"time"
)

// ClusterID identifies a cluster. Identities are monotonically increasing
// and never reused; Unclustered is the sentinel for unassigned documents.
type ClusterID int64

// Unclustered is the sentinel assignment for documents outside any cluster.
const Unclustered ClusterID = 0

// Document is a tracked file with a derived embedding.
type Document struct {
	// ID is the stable document identity (UUID).
	ID string
	// Path is the current absolute location on disk.
	Path string
	// Fingerprint is the hash of the extracted text, used for dedup.
	Fingerprint string
	// VectorRef is the key of the embedding in the external vector index.
	VectorRef string
	// Cluster is the current assignment, or Unclustered.
	Cluster ClusterID
	// Pinned marks a manual override immune to automatic reassignment.
	Pinned bool
	// CreatedAt is when the document was first ingested.
	CreatedAt time.Time
}

// Cluster is a named group of documents. Membership is derived from
// Document.Cluster, never stored redundantly.
type Cluster struct {
	ID      ClusterID
	Label   string
	Retired bool
}

// Snapshot is a consistent point-in-time view of the registry.
type Snapshot struct {
	Version   uint64
	Documents []Document
	Clusters  []Cluster
}

// Cluster returns the snapshot cluster with the given id, if present.
func (s *Snapshot) Cluster(id ClusterID) (Cluster, bool) {
	for _, c := range s.Clusters {
		if c.ID == id {
			return c, true
		}
	}
	return Cluster{}, false
}

// Members returns the ids of documents assigned to the given cluster.
func (s *Snapshot) Members(id ClusterID) []string {
	var members []string
	for _, d := range s.Documents {
		if d.Cluster == id {
			members = append(members, d.ID)
		}
	}
	return members
}

// Plan is the outcome of a reconciliation pass, applied atomically.
type Plan struct {
	// Assign maps document ids to inherited cluster identities, or
	// Unclustered for noise. Pinned documents are skipped on apply.
	Assign map[string]ClusterID
	// NewGroups are raw groups with no sufficiently overlapping previous
	// cluster; each gets a freshly allocated identity.
	NewGroups []NewGroup
	// Claimed lists previous cluster identities inherited this pass.
	// Non-retired clusters absent from Claimed are retired.
	Claimed []ClusterID
}

// NewGroup is a raw cluster needing a fresh identity.
type NewGroup struct {
	Label   string
	Members []string
}

// Result reports what a reconciliation pass changed.
type Result struct {
	// Changed lists ids of documents whose assignment changed.
	Changed []string
	// Created lists freshly allocated cluster identities.
	Created []ClusterID
	// Retired lists cluster identities retired this pass.
	Retired []ClusterID
}

// Stats summarizes registry contents for the stats endpoint.
type Stats struct {
	Documents   int `json:"documents"`
	Clusters    int `json:"clusters"`
	Retired     int `json:"retired"`
	Unclustered int `json:"unclustered"`
	Pinned      int `json:"pinned"`
	// Entropy is the Shannon entropy (bits) of the document
	// distribution across groups, unclustered documents pooled.
	Entropy float64 `json:"entropy"`
}
