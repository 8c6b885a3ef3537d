package xlatecache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"regexp"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/creachadair/atomicfile"

	"github.com/CM4all/beng-proxy/internal/resource"
	"github.com/CM4all/beng-proxy/internal/translate"
)

// snapshotRecord is the on-disk shadow of an item: translate.Response
// carries a compiled *regexp.Regexp, which gob cannot encode
// directly, so the pattern source strings are carried instead and
// recompiled on load (see SPEC_FULL.md §4.8a).
type snapshotRecord struct {
	Key             string
	Address         resource.Address
	Base            string
	RegexSrc        string
	InverseRegexSrc string
	RegexTail       bool
	Vary            []translate.Command
	VaryValues      map[translate.Command]string
	ExpiresAt       time.Time
	Expandable      bool
}

// SaveSnapshot persists every non-expired cached item to a BadgerDB
// instance at dir, per SPEC_FULL.md §4.8a's warm-restart persistence.
func (c *Cache) SaveSnapshot(dir string) error {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return fmt.Errorf("xlatecache: open snapshot db: %w", err)
	}
	defer db.Close()

	now := c.now()
	c.mu.RLock()
	records := make([]snapshotRecord, 0, c.Len())
	for _, list := range c.entries {
		for _, it := range list {
			if it.expired(now) {
				continue
			}
			records = append(records, toRecord(it))
		}
	}
	c.mu.RUnlock()

	err = db.Update(func(txn *badger.Txn) error {
		for i, rec := range records {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
				return fmt.Errorf("xlatecache: encode record: %w", err)
			}
			if err := txn.Set([]byte(fmt.Sprintf("%d:%s", i, rec.Key)), buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeAtomicMarker(dir+"/.snapshot-ok", now)
}

// LoadSnapshot restores items from a BadgerDB snapshot written by
// SaveSnapshot, skipping any that have since expired.
func (c *Cache) LoadSnapshot(dir string) error {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return fmt.Errorf("xlatecache: open snapshot db: %w", err)
	}
	defer db.Close()

	now := c.now()
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec snapshotRecord
				if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&rec); err != nil {
					return fmt.Errorf("xlatecache: decode record: %w", err)
				}
				if now.After(rec.ExpiresAt) {
					return nil
				}
				c.restore(rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func toRecord(it *item) snapshotRecord {
	rec := snapshotRecord{
		Key:        it.key,
		Address:    it.resp.Address,
		Base:       it.resp.Base,
		RegexTail:  it.resp.RegexTail,
		Vary:       it.resp.Vary,
		VaryValues: it.varyValues,
		ExpiresAt:  it.expiresAt,
		Expandable: it.resp.Expandable,
	}
	if it.resp.Regex != nil {
		rec.RegexSrc = it.resp.Regex.String()
	}
	if it.resp.InverseRegex != nil {
		rec.InverseRegexSrc = it.resp.InverseRegex.String()
	}
	return rec
}

func (c *Cache) restore(rec snapshotRecord) {
	resp := &translate.Response{
		Address:    rec.Address,
		Base:       rec.Base,
		RegexTail:  rec.RegexTail,
		Vary:       rec.Vary,
		Expandable: rec.Expandable,
	}
	if rec.RegexSrc != "" {
		if re, err := regexp.Compile(rec.RegexSrc); err == nil {
			resp.Regex = re
		}
	}
	if rec.InverseRegexSrc != "" {
		if re, err := regexp.Compile(rec.InverseRegexSrc); err == nil {
			resp.InverseRegex = re
		}
	}

	it := &item{
		key:        rec.Key,
		resp:       resp,
		varyValues: rec.VaryValues,
		expiresAt:  rec.ExpiresAt,
	}

	c.mu.Lock()
	c.entries[rec.Key] = append(c.entries[rec.Key], it)
	c.mu.Unlock()

	for _, cmd := range rec.Vary {
		if cmd == translate.CmdHost {
			host := rec.VaryValues[translate.CmdHost]
			b, _ := c.hosts.LoadOrStore(host, &hostBucket{})
			b.mu.Lock()
			b.items = append(b.items, it)
			b.mu.Unlock()
		}
	}
}

// writeAtomicMarker atomically touches a sentinel file recording the
// Unix timestamp of the most recent successful snapshot, so a restart
// can decide whether the on-disk snapshot is recent enough to be worth
// loading before the first request arrives.
func writeAtomicMarker(path string, at time.Time) error {
	data := []byte(at.UTC().Format(time.RFC3339))
	return atomicfile.WriteAll(path, bytes.NewReader(data), 0o644)
}
