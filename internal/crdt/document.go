// Package crdt wraps the automerge mergeable-document primitive behind the
// small capability surface the relay needs: state vectors, diffs, merges and
// a synchronous change notification hook. Conflict resolution itself is
// automerge's job; nothing in this package orders or rewrites updates.
package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// hashLen is the length of one automerge change hash inside a state vector.
const hashLen = 32

// UpdateListener receives the raw bytes of every update applied to a
// Document, fired synchronously after the merge succeeds.
type UpdateListener func(update []byte)

// Document is a replicated state container scoped to one room. All methods
// are safe for concurrent use; merges are applied one at a time.
type Document struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	listeners []UpdateListener
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// OnUpdate registers a listener fired after each successful merge or local
// change, with the update fragment that caused it.
func (d *Document) OnUpdate(fn UpdateListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// StateVector returns a compact summary of the updates this document has
// already incorporated: the concatenated hashes of its heads. An empty
// document yields an empty vector.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	sv := make([]byte, 0, len(heads)*hashLen)
	for _, h := range heads {
		sv = append(sv, h[:]...)
	}
	return sv
}

// Diff returns an update fragment that brings a replica at remoteSV up to
// this document's state. If the remote vector references history this
// document does not know (a replica that is ahead, or garbage), the full
// document is returned instead; merges are idempotent so oversending is
// safe. An empty result means the remote is already current.
func (d *Document) Diff(remoteSV []byte) ([]byte, error) {
	if len(remoteSV)%hashLen != 0 {
		return nil, fmt.Errorf("crdt: state vector length %d is not a multiple of %d", len(remoteSV), hashLen)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	since := make([]automerge.ChangeHash, 0, len(remoteSV)/hashLen)
	for i := 0; i < len(remoteSV); i += hashLen {
		since = append(since, automerge.ChangeHash(remoteSV[i:i+hashLen]))
	}

	changes, err := d.doc.Changes(since...)
	if err != nil {
		// Unknown heads: fall back to the whole document.
		return d.doc.Save(), nil
	}
	var out []byte
	for _, c := range changes {
		out = append(out, c.Save()...)
	}
	return out, nil
}

// Merge applies an update fragment. Applying the same fragment twice is a
// no-op on the materialized content. Listeners run synchronously after a
// successful merge, in registration order.
func (d *Document) Merge(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("crdt: merge update: %w", err)
	}
	listeners := d.listeners
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(update)
	}
	return nil
}

// Change runs a local mutation against the underlying document and returns
// the update fragment covering exactly that mutation. Listeners fire with
// the fragment, same as a remote merge.
func (d *Document) Change(mutate func(doc *automerge.Doc) error) ([]byte, error) {
	d.mu.Lock()
	// Flush pending history so the emitted fragment covers only this change.
	d.doc.SaveIncremental()
	if err := mutate(d.doc); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("crdt: apply local change: %w", err)
	}
	// Mutations auto-commit, so the incremental save below captures them.
	update := d.doc.SaveIncremental()
	listeners := d.listeners
	d.mu.Unlock()

	if len(update) > 0 {
		for _, fn := range listeners {
			fn(update)
		}
	}
	return update, nil
}

// Save returns the full serialized document, usable as an update fragment
// by any replica.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}
