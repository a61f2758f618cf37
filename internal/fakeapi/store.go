package fakeapi

import (
	"sort"
	"time"
)

// record is one row as it is sent to clients.
type record map[string]any

func (r record) id() int64 {
	id, _ := r["id"].(int64)
	return id
}

func (r record) num(k string) int64 {
	n, _ := toInt(r[k])
	return n
}

func (r record) clone() record {
	out := make(record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type row struct {
	rec     record
	created time.Time
	updated time.Time
}

// table keeps rows in insertion order. Callers hold Server.mu.
type table struct {
	seq  int64
	rows []*row
	byID map[int64]*row
}

func newTable() *table {
	return &table{byID: make(map[int64]*row)}
}

func (t *table) insert(now time.Time, rec record) record {
	t.seq++
	rec["id"] = t.seq
	rec["created_at"] = stamp(now)
	rec["updated_at"] = stamp(now)
	r := &row{rec: rec, created: now, updated: now}
	t.rows = append(t.rows, r)
	t.byID[t.seq] = r
	return rec.clone()
}

func (t *table) get(id int64) (record, bool) {
	r, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return r.rec.clone(), true
}

// update copies fields into the row and touches it.
func (t *table) update(now time.Time, id int64, fields record) (record, bool) {
	r, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	for k, v := range fields {
		r.rec[k] = v
	}
	r.rec["updated_at"] = stamp(now)
	r.updated = now
	return r.rec.clone(), true
}

func (t *table) delete(id int64) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	for i, r := range t.rows {
		if r.rec.id() == id {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			break
		}
	}
	return true
}

func (t *table) list(keep func(record) bool) []record {
	out := make([]record, 0, len(t.rows))
	for _, r := range t.rows {
		if keep == nil || keep(r.rec) {
			out = append(out, r.rec.clone())
		}
	}
	return out
}

// changedSince lists the rows updated at or after since, oldest change first.
func (t *table) changedSince(since time.Time, keep func(record) bool) []record {
	var hits []*row
	for _, r := range t.rows {
		if !r.updated.Before(since) && (keep == nil || keep(r.rec)) {
			hits = append(hits, r)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].updated.Before(hits[j].updated) })
	out := make([]record, len(hits))
	for i, r := range hits {
		out[i] = r.rec.clone()
	}
	return out
}

func (t *table) createdSince(since time.Time, keep func(record) bool) []record {
	return t.list(func(rec record) bool {
		r := t.byID[rec.id()]
		return !r.created.Before(since) && (keep == nil || keep(rec))
	})
}

func (t *table) len() int { return len(t.rows) }

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// pick copies the allowed keys present in params.
func pick(params map[string]any, keys ...string) record {
	out := record{}
	for _, k := range keys {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out
}
