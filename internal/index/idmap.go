package index

import (
	"fmt"
	"slices"
)

// Key locates a chunk: the owning document and the chunk's position in it.
type Key struct {
	DocID  string
	Offset int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.DocID, k.Offset)
}

// Entry is one id mapping, as listed by IDMap.Entries.
type Entry struct {
	ID  int64
	Key Key
}

// IDMap maps index ids to chunk keys. It also tracks the next id to issue;
// that high-water mark only moves forward, so ids are never reused even
// after the documents that held them are deleted.
type IDMap struct {
	next  int64
	byID  map[int64]Key
	byDoc map[string][]int64
}

func NewIDMap() *IDMap {
	return &IDMap{byID: make(map[int64]Key), byDoc: make(map[string][]int64)}
}

// Next is the id the next Allocate call will start from.
func (m *IDMap) Next() int64 { return m.next }

func (m *IDMap) Len() int { return len(m.byID) }

// Allocate reserves n consecutive ids.
func (m *IDMap) Allocate(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = m.next
		m.next++
	}
	return ids
}

// Put records a mapping. Ids at or above the high-water mark advance it.
func (m *IDMap) Put(id int64, key Key) {
	if old, ok := m.byID[id]; ok {
		m.unlinkDoc(old.DocID, id)
	}
	m.byID[id] = key
	m.byDoc[key.DocID] = append(m.byDoc[key.DocID], id)
	if id >= m.next {
		m.next = id + 1
	}
}

func (m *IDMap) Lookup(id int64) (Key, bool) {
	k, ok := m.byID[id]
	return k, ok
}

// IDsForDoc returns the ids mapped to chunks of docID, ascending.
func (m *IDMap) IDsForDoc(docID string) []int64 {
	ids := slices.Clone(m.byDoc[docID])
	slices.Sort(ids)
	return ids
}

// Docs returns the ids of every document with at least one mapping.
func (m *IDMap) Docs() []string {
	docs := make([]string, 0, len(m.byDoc))
	for d := range m.byDoc {
		docs = append(docs, d)
	}
	slices.Sort(docs)
	return docs
}

// RemoveDoc drops every mapping of docID and returns the removed ids.
func (m *IDMap) RemoveDoc(docID string) []int64 {
	ids := m.IDsForDoc(docID)
	for _, id := range ids {
		delete(m.byID, id)
	}
	delete(m.byDoc, docID)
	return ids
}

// Remove drops single mappings.
func (m *IDMap) Remove(ids ...int64) {
	for _, id := range ids {
		key, ok := m.byID[id]
		if !ok {
			continue
		}
		delete(m.byID, id)
		m.unlinkDoc(key.DocID, id)
	}
}

// Entries lists all mappings ordered by id.
func (m *IDMap) Entries() []Entry {
	out := make([]Entry, 0, len(m.byID))
	for id, key := range m.byID {
		out = append(out, Entry{ID: id, Key: key})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (m *IDMap) Clone() *IDMap {
	c := &IDMap{
		next:  m.next,
		byID:  make(map[int64]Key, len(m.byID)),
		byDoc: make(map[string][]int64, len(m.byDoc)),
	}
	for id, key := range m.byID {
		c.byID[id] = key
	}
	for doc, ids := range m.byDoc {
		c.byDoc[doc] = slices.Clone(ids)
	}
	return c
}

// setNext restores a persisted high-water mark. It never moves the mark
// below an id already present.
func (m *IDMap) setNext(next int64) {
	if next > m.next {
		m.next = next
	}
}

func (m *IDMap) unlinkDoc(docID string, id int64) {
	ids := slices.DeleteFunc(m.byDoc[docID], func(x int64) bool { return x == id })
	if len(ids) == 0 {
		delete(m.byDoc, docID)
		return
	}
	m.byDoc[docID] = ids
}
