package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/semafold/semafold/internal/errors"
)

// Registry owns all Documents and Clusters.
//
// Two locks enforce the writer discipline: writerMu serializes logical
// writer sections (a reconciliation+convergence pass, or an override) so
// they are atomic relative to each other, while mu guards the maps so
// ingestion can append new unclustered documents under a narrower lock
// without blocking readers for the whole pass.
type Registry struct {
	writerMu sync.Mutex

	mu       sync.RWMutex
	docs     map[string]*Document // id -> doc
	byFp     map[string]string    // fingerprint -> doc id
	byPath   map[string]string    // path -> doc id
	clusters map[ClusterID]*Cluster
	nextID   ClusterID
	version  uint64
}

// New creates an empty registry. Cluster identities start at 1;
// 0 is the Unclustered sentinel.
func New() *Registry {
	return &Registry{
		docs:     make(map[string]*Document),
		byFp:     make(map[string]string),
		byPath:   make(map[string]string),
		clusters: make(map[ClusterID]*Cluster),
		nextID:   1,
	}
}

// AddDocument registers a new document with an Unclustered assignment.
// Fingerprints are unique: a duplicate is an invariant violation, since
// ingestion dedups by fingerprint before registering.
func (r *Registry) AddDocument(doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if doc.ID == "" || doc.Fingerprint == "" {
		return errors.New(errors.ErrCodeInvalidInput, "document id and fingerprint are required", nil)
	}
	if _, exists := r.docs[doc.ID]; exists {
		return errors.RegistryCorruptError(fmt.Sprintf("document id %s already registered", doc.ID))
	}
	if other, exists := r.byFp[doc.Fingerprint]; exists {
		return errors.RegistryCorruptError(fmt.Sprintf("fingerprint of %s duplicates document %s", doc.ID, other))
	}

	doc.Cluster = Unclustered
	doc.Pinned = false
	d := doc
	r.docs[d.ID] = &d
	r.byFp[d.Fingerprint] = d.ID
	r.byPath[d.Path] = d.ID
	r.version++
	return nil
}

// UpdatePath records a new on-disk location for a document.
// Used both for fingerprint dedup (same content at a new path) and by the
// organizer after a successful move.
func (r *Registry) UpdatePath(id, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return errors.NotFoundError("document", id)
	}
	if doc.Path == newPath {
		return nil
	}
	delete(r.byPath, doc.Path)
	doc.Path = newPath
	r.byPath[newPath] = id
	r.version++
	return nil
}

// UpdateContent records a new fingerprint after a document's text
// changed in place. Assignment and pin survive until the next
// reconciliation pass. Fails when the new fingerprint already belongs
// to another document.
func (r *Registry) UpdateContent(id, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return errors.NotFoundError("document", id)
	}
	if fingerprint == "" {
		return errors.New(errors.ErrCodeInvalidInput, "fingerprint is required", nil)
	}
	if other, exists := r.byFp[fingerprint]; exists && other != id {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("fingerprint already registered to document %s", other), nil)
	}
	if doc.Fingerprint == fingerprint {
		return nil
	}
	delete(r.byFp, doc.Fingerprint)
	doc.Fingerprint = fingerprint
	r.byFp[fingerprint] = id
	r.version++
	return nil
}

// Remove deletes a document, returning the removed copy.
func (r *Registry) Remove(id string) (Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return Document{}, false
	}
	delete(r.docs, id)
	delete(r.byFp, doc.Fingerprint)
	delete(r.byPath, doc.Path)
	r.version++
	return *doc, true
}

// Get returns a copy of the document with the given id.
func (r *Registry) Get(id string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// FindByFingerprint returns the document with the given content fingerprint.
func (r *Registry) FindByFingerprint(fp string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFp[fp]
	if !ok {
		return Document{}, false
	}
	return *r.docs[id], true
}

// FindByPath returns the document currently located at path.
func (r *Registry) FindByPath(path string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[path]
	if !ok {
		return Document{}, false
	}
	return *r.docs[id], true
}

// Snapshot returns a consistent copy of all documents and clusters.
// Documents are sorted by id and clusters by identity for determinism.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Version:   r.version,
		Documents: make([]Document, 0, len(r.docs)),
		Clusters:  make([]Cluster, 0, len(r.clusters)),
	}
	for _, d := range r.docs {
		snap.Documents = append(snap.Documents, *d)
	}
	for _, c := range r.clusters {
		snap.Clusters = append(snap.Clusters, *c)
	}
	sort.Slice(snap.Documents, func(i, j int) bool { return snap.Documents[i].ID < snap.Documents[j].ID })
	sort.Slice(snap.Clusters, func(i, j int) bool { return snap.Clusters[i].ID < snap.Clusters[j].ID })
	return snap
}

// Version returns the current registry version counter.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// ApplyReconciliation applies a reconciliation plan atomically.
//
// Pinned documents keep their recorded assignment unless their cluster is
// retired by this pass, in which case they become Unclustered and unpinned.
// Previous non-retired clusters not claimed by the plan are retired;
// retired identities are never reassigned.
func (r *Registry) ApplyReconciliation(plan Plan) (Result, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := make(map[ClusterID]bool, len(plan.Claimed))
	for _, id := range plan.Claimed {
		c, ok := r.clusters[id]
		if !ok {
			return Result{}, errors.RegistryCorruptError(fmt.Sprintf("plan claims unknown cluster %d", id))
		}
		if c.Retired {
			return Result{}, errors.RegistryCorruptError(fmt.Sprintf("plan claims retired cluster %d", id))
		}
		claimed[id] = true
	}
	for _, target := range plan.Assign {
		if target != Unclustered && !claimed[target] {
			return Result{}, errors.RegistryCorruptError(fmt.Sprintf("plan assigns to unclaimed cluster %d", target))
		}
	}

	var res Result

	// Fresh identities for unmatched raw groups.
	for _, g := range plan.NewGroups {
		id := r.nextID
		r.nextID++
		label := g.Label
		if label == "" {
			label = fmt.Sprintf("Cluster %d", id)
		}
		r.clusters[id] = &Cluster{ID: id, Label: label}
		claimed[id] = true
		res.Created = append(res.Created, id)
		for _, docID := range g.Members {
			if doc, ok := r.docs[docID]; ok && !doc.Pinned && doc.Cluster != id {
				doc.Cluster = id
				res.Changed = append(res.Changed, docID)
			}
		}
	}

	// Inherited identities and noise.
	for docID, target := range plan.Assign {
		doc, ok := r.docs[docID]
		if !ok || doc.Pinned {
			continue
		}
		if doc.Cluster != target {
			doc.Cluster = target
			res.Changed = append(res.Changed, docID)
		}
	}

	// Retire every previous cluster the plan did not claim.
	for id, c := range r.clusters {
		if c.Retired || claimed[id] {
			continue
		}
		c.Retired = true
		res.Retired = append(res.Retired, id)
		for _, doc := range r.docs {
			if doc.Cluster == id {
				if !doc.Pinned {
					return Result{}, errors.RegistryCorruptError(
						fmt.Sprintf("unpinned document %s still assigned to retired cluster %d", doc.ID, id))
				}
				doc.Cluster = Unclustered
				doc.Pinned = false
				res.Changed = append(res.Changed, doc.ID)
			}
		}
	}

	sort.Strings(res.Changed)
	sort.Slice(res.Created, func(i, j int) bool { return res.Created[i] < res.Created[j] })
	sort.Slice(res.Retired, func(i, j int) bool { return res.Retired[i] < res.Retired[j] })

	r.version++
	return res, nil
}

// Override pins a document to the target cluster. The target must exist
// and be non-retired. Subsequent reconciliation passes leave pinned
// documents untouched until the cluster retires or the pin is cleared.
func (r *Registry) Override(docID string, target ClusterID) (Document, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[docID]
	if !ok {
		return Document{}, errors.NotFoundError("document", docID)
	}
	c, ok := r.clusters[target]
	if !ok || c.Retired {
		return Document{}, errors.NotFoundError("cluster", fmt.Sprintf("%d", target))
	}

	doc.Cluster = target
	doc.Pinned = true
	r.version++
	return *doc, nil
}

// Unpin clears a document's pin; the next reconciliation reassigns it
// normally.
func (r *Registry) Unpin(docID string) error {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[docID]
	if !ok {
		return errors.NotFoundError("document", docID)
	}
	doc.Pinned = false
	r.version++
	return nil
}

// FindClusterByLabel resolves a cluster by its display label or its
// "Label_ID" directory form. Only non-retired clusters match.
func (r *Registry) FindClusterByLabel(label string) (Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clusters {
		if c.Retired {
			continue
		}
		if c.Label == label || fmt.Sprintf("%s_%d", c.Label, c.ID) == label {
			return *c, true
		}
	}
	return Cluster{}, false
}

// Stats returns summary counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Documents: len(r.docs)}
	for _, c := range r.clusters {
		if c.Retired {
			s.Retired++
		} else {
			s.Clusters++
		}
	}
	counts := make(map[ClusterID]int)
	for _, d := range r.docs {
		if d.Cluster == Unclustered {
			s.Unclustered++
		}
		if d.Pinned {
			s.Pinned++
		}
		counts[d.Cluster]++
	}
	if len(r.docs) > 0 {
		n := float64(len(r.docs))
		for _, c := range counts {
			p := float64(c) / n
			s.Entropy -= p * math.Log2(p)
		}
	}
	return s
}
