package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/relaycore/scheduled/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSchedules = []byte("schedules")
	bucketJobs      = []byte("jobs")
)

// claimLease is how long an AcquireDue claim survives before another
// planner is allowed to re-claim the same schedule (crash recovery).
const claimLease = 30 * time.Second

// BoltStore is the single-instance Schedule Store: one BoltDB bucket per
// entity, JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the schedule database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scheduled.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSchedules, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(schedule *types.Schedule, replaceExisting bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if !replaceExisting && b.Get([]byte(schedule.ID)) != nil {
			return ErrConflict
		}
		data, err := json.Marshal(schedule)
		if err != nil {
			return err
		}
		return b.Put([]byte(schedule.ID), data)
	})
}

func (s *BoltStore) Remove(scheduleID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(scheduleID))
	})
}

func (s *BoltStore) Get(scheduleID string) (*types.Schedule, error) {
	var sched types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(scheduleID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sched)
	})
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *BoltStore) List(start, end *time.Time, limit, offset int) ([]*types.Schedule, error) {
	var all []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			if start != nil && (sched.NextFireTime == nil || sched.NextFireTime.Before(*start)) {
				return nil
			}
			if end != nil && (sched.NextFireTime == nil || sched.NextFireTime.After(*end)) {
				return nil
			}
			all = append(all, &sched)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// AcquireDue runs in a single BoltDB write transaction, which bbolt
// serializes against every other writer in this process; that is what makes
// a single-instance claim race-free without an extra lock. Multi-instance
// serializability is the raft FSM's job (pkg/coordinator/fsm.go).
func (s *BoltStore) AcquireDue(now time.Time, limit int, claimedBy string) ([]*types.Schedule, error) {
	var claimed []*types.Schedule

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		c := b.Cursor()

		for k, v := c.First(); k != nil && len(claimed) < limit; k, v = c.Next() {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}

			if sched.NextFireTime == nil || sched.NextFireTime.After(now) {
				continue
			}
			if sched.PausedUntil != nil && sched.PausedUntil.After(now) {
				continue
			}
			if !sched.ClaimedAt.IsZero() && now.Sub(sched.ClaimedAt) < claimLease {
				continue // already claimed by a live planner
			}

			sched.ClaimedAt = now
			sched.ClaimedBy = claimedBy

			data, err := json.Marshal(&sched)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}

			cp := sched
			claimed = append(claimed, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) Release(scheduleID string, newNextFireTime *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(scheduleID))
		if data == nil {
			return nil // schedule removed while in flight; nothing to release
		}
		var sched types.Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			return err
		}
		sched.NextFireTime = newNextFireTime
		sched.ClaimedAt = time.Time{}
		sched.ClaimedBy = ""
		out, err := json.Marshal(&sched)
		if err != nil {
			return err
		}
		return b.Put([]byte(scheduleID), out)
	})
}

func (s *BoltStore) PutJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(jobID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobsBySchedule(scheduleID string, limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ScheduleID == scheduleID {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[len(jobs)-limit:]
	}
	return jobs, nil
}
