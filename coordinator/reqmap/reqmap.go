// Package reqmap implements the coordinator's request_id -> instance_id
// map: an in-memory buntdb index that is bulk-cleared on the same
// interval as the upstream system's CLEAR_REQUEST_INSTANCE_INTERVAL,
// fronted by a cuckoo filter so the abort fan-out can skip RPCs to
// instances it already knows hold no live requests.
package reqmap

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"
)

type Map struct {
	db *buntdb.DB

	mu             sync.Mutex
	instanceFilter *cuckoo.Filter // approximate "instance X has live requests" set
}

func New() (*Map, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Map{
		db:             db,
		instanceFilter: cuckoo.NewFilter(1 << 16),
	}, nil
}

func (m *Map) Close() error { return m.db.Close() }

func (m *Map) Put(requestID, instanceID string) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(requestID, instanceID, nil)
		return err
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.instanceFilter.InsertUnique([]byte(instanceID))
	m.mu.Unlock()
	return nil
}

func (m *Map) Get(requestID string) (string, bool) {
	var instanceID string
	err := m.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(requestID)
		if err != nil {
			return err
		}
		instanceID = v
		return nil
	})
	if err != nil {
		return "", false
	}
	return instanceID, true
}

func (m *Map) Delete(requestID string) {
	_ = m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(requestID)
		return err
	})
}

// MayHaveRequests is a fast, approximate pre-check: a false result
// means instanceID definitely has no entries in the map since the last
// ClearAll, letting the coordinator skip an abort RPC to it entirely. A
// true result can be a false positive and must still be confirmed by
// the RPC/lookup that follows.
func (m *Map) MayHaveRequests(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instanceFilter.Lookup([]byte(instanceID))
}

// ClearAll drops every entry and resets the filter, mirroring the
// periodic clear_request_instance sweep.
func (m *Map) ClearAll() error {
	m.mu.Lock()
	m.instanceFilter.Reset()
	m.mu.Unlock()
	return m.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend("", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		})
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (m *Map) Len() int {
	n := 0
	_ = m.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(_, _ string) bool {
			n++
			return true
		})
	})
	return n
}
