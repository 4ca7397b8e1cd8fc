// Package store keeps the reports of past runs in a bbolt database so ranks can be
// compared after the fact.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/Mathew-Estafanous/distcheck/probe"
)

var (
	reportBucket = []byte("reports")
	metaBucket   = []byte("meta")

	lastRunKey = []byte("lastRun")
)

var (
	ErrReportNotFound = errors.New("no reports stored for run")
	ErrReportDBLocked = errors.New("report db is in use by another process")
)

// openTimeout bounds the wait for the file lock of a report db shared by several
// ranks on one machine.
var openTimeout = time.Second

// BoltStore implements probe.ReportSaver using BBolt as the underlying storage engine.
// Reports are keyed by run id and rank, so each rank of a run has one slot.
type BoltStore struct {
	db *bolt.DB
}

var _ probe.ReportSaver = (*BoltStore)(nil)

// NewBoltStore creates a new store persisted at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, errors.Wrapf(ErrReportDBLocked, "%s still locked after %v", path, openTimeout)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open report db %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(reportBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create buckets")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying BBolt database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Delete will completely erase all data in the database
func (b *BoltStore) Delete() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(reportBucket); err != nil {
			return err
		}
		if err := tx.DeleteBucket(metaBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(reportBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(metaBucket)
		return err
	})
}

// reportKey sorts the ranks of a run next to each other and in rank order.
func reportKey(runID string, rank int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", runID, rank))
}

// SaveReport stores r, replacing an earlier report of the same run and rank.
func (b *BoltStore) SaveReport(r *probe.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(reportBucket).Put(reportKey(r.RunID, r.Rank), data); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(lastRunKey, []byte(r.RunID))
	})
}

// Reports returns the stored reports of one run ordered by rank.
func (b *BoltStore) Reports(runID string) ([]*probe.Report, error) {
	var reports []*probe.Report
	prefix := []byte(runID + "/")
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(reportBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			r := &probe.Report{}
			if err := json.Unmarshal(v, r); err != nil {
				return errors.Wrapf(err, "corrupt report %s", k)
			}
			reports = append(reports, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, errors.Wrap(ErrReportNotFound, runID)
	}
	return reports, nil
}

// AllReports returns every stored report, oldest run first.
func (b *BoltStore) AllReports() ([]*probe.Report, error) {
	var reports []*probe.Report
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reportBucket).ForEach(func(k, v []byte) error {
			r := &probe.Report{}
			if err := json.Unmarshal(v, r); err != nil {
				return errors.Wrapf(err, "corrupt report %s", k)
			}
			reports = append(reports, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].Started.Equal(reports[j].Started) {
			return reports[i].Started.Before(reports[j].Started)
		}
		return reports[i].Rank < reports[j].Rank
	})
	return reports, nil
}

// LastRunID returns the run id of the most recently saved report.
func (b *BoltStore) LastRunID() (string, error) {
	var runID string
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(lastRunKey); v != nil {
			runID = string(v)
		}
		return nil
	})
	return runID, err
}
