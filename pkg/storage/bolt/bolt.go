// Package bolt implements pkg/storage.Store on BoltDB. Grounded on
// _examples/cuemby-warren/pkg/storage/boltdb.go: one bucket per entity,
// JSON-marshaled values, db.Update-wrapped upserts, db.View-wrapped
// reads. Retargeted from Warren's node/service/container buckets to
// Agent/Session/Kernel/ScalingGroup buckets, and extended with an
// atomic status_history append (Warren's Update() is a plain overwrite,
// which is fine for its whole-object semantics but insufficient here
// since two concurrent callers must never clobber each other's
// status_history entry - see AppendSessionStatus/AppendKernelStatus).
package bolt

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
	boltdb "go.etcd.io/bbolt"

	"context"
)

var (
	bucketAgents        = []byte("agents")
	bucketSessions      = []byte("sessions")
	bucketKernels       = []byte("kernels")
	bucketScalingGroups = []byte("scaling_groups")
)

// Store implements storage.Store on top of a single bbolt database
// file.
type Store struct {
	db *boltdb.DB
}

// Open creates/opens the database under dataDir/sokovan.db and ensures
// every bucket exists.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "sokovan.db")
	db, err := boltdb.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *boltdb.Tx) error {
		for _, bucket := range [][]byte{bucketAgents, bucketSessions, bucketKernels, bucketScalingGroups} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Agents ---

func (s *Store) UpsertAgent(_ context.Context, agent *domain.Agent) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).Put([]byte(agent.ID), data)
	})
}

func (s *Store) GetAgent(_ context.Context, id domain.AgentID) (*domain.Agent, error) {
	var agent domain.Agent
	err := s.db.View(func(tx *boltdb.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "agent not found: "+string(id))
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *Store) ListAgents(_ context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	err := s.db.View(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var agent domain.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if sg == "" || agent.ScalingGroup == sg {
				agents = append(agents, &agent)
			}
			return nil
		})
	})
	return agents, err
}

func (s *Store) DeleteAgent(_ context.Context, id domain.AgentID) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// IncrementAgentOccupancy reads, mutates, and rewrites the agent record
// within a single write transaction, the same read-modify-write shape
// AppendSessionStatus/AppendKernelStatus use for bolt (bbolt's
// single-writer-at-a-time model makes this safe, unlike Postgres where
// concurrent writers need an explicit row lock - see the postgres
// backend's Begin/SELECT ... FOR UPDATE equivalent).
func (s *Store) IncrementAgentOccupancy(_ context.Context, id domain.AgentID, delta resource.Slot, containerDelta int) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "agent not found: "+string(id))
		}
		var agent domain.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return err
		}
		agent.OccupiedSlots = agent.OccupiedSlots.Add(delta)
		agent.ContainerCount += containerDelta
		if !agent.OccupiedSlots.LessThanOrEqual(agent.AvailableSlots) {
			return schederr.New(schederr.CodeAllocationConflict,
				"agent "+string(id)+" occupancy would exceed available slots")
		}
		out, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, session *domain.Session) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(session.ID), data)
	})
}

func (s *Store) GetSession(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	var session domain.Session
	err := s.db.View(func(tx *boltdb.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "session not found: "+string(id))
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListPendingSessions(_ context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := s.db.View(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var session domain.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.Status == domain.SessionStatusPending && (sg == "" || session.ScalingGroup == sg) {
				sessions = append(sessions, &session)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *Store) ListActiveSessions(_ context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error) {
	active := map[domain.SessionStatus]bool{
		domain.SessionStatusScheduled: true,
		domain.SessionStatusPreparing: true,
		domain.SessionStatusRunning:   true,
	}
	var sessions []*domain.Session
	err := s.db.View(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var session domain.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if active[session.Status] && (sg == "" || session.ScalingGroup == sg) {
				sessions = append(sessions, &session)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *Store) ListTerminatingSessions(_ context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := s.db.View(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var session domain.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.Status == domain.SessionStatusTerminating && (sg == "" || session.ScalingGroup == sg) {
				sessions = append(sessions, &session)
			}
			return nil
		})
	})
	return sessions, err
}

// AppendSessionStatus appends entry and sets newStatus within a single
// write transaction, so a concurrent append can never be lost to a
// read-modify-write race the way a plain Update()/overwrite could.
func (s *Store) AppendSessionStatus(_ context.Context, id domain.SessionID, entry domain.StatusHistoryEntry, newStatus domain.SessionStatus) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "session not found: "+string(id))
		}
		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		session.Status = newStatus
		session.StatusInfo = entry.Reason
		session.StatusHistory = append(session.StatusHistory, entry)
		out, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// --- Kernels ---

func (s *Store) CreateKernel(_ context.Context, kernel *domain.Kernel) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		data, err := json.Marshal(kernel)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKernels).Put([]byte(kernel.ID), data)
	})
}

func (s *Store) GetKernel(_ context.Context, id domain.KernelID) (*domain.Kernel, error) {
	var kernel domain.Kernel
	err := s.db.View(func(tx *boltdb.Tx) error {
		data := tx.Bucket(bucketKernels).Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "kernel not found: "+string(id))
		}
		return json.Unmarshal(data, &kernel)
	})
	if err != nil {
		return nil, err
	}
	return &kernel, nil
}

func (s *Store) ListKernelsBySession(_ context.Context, sessionID domain.SessionID) ([]*domain.Kernel, error) {
	var kernels []*domain.Kernel
	err := s.db.View(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(_, v []byte) error {
			var kernel domain.Kernel
			if err := json.Unmarshal(v, &kernel); err != nil {
				return err
			}
			if kernel.SessionID == sessionID {
				kernels = append(kernels, &kernel)
			}
			return nil
		})
	})
	return kernels, err
}

func (s *Store) AppendKernelStatus(_ context.Context, id domain.KernelID, entry domain.StatusHistoryEntry, newStatus domain.KernelStatus) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket(bucketKernels)
		data := b.Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "kernel not found: "+string(id))
		}
		var kernel domain.Kernel
		if err := json.Unmarshal(data, &kernel); err != nil {
			return err
		}
		kernel.Status = newStatus
		kernel.StatusInfo = entry.Reason
		kernel.StatusHistory = append(kernel.StatusHistory, entry)
		out, err := json.Marshal(kernel)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *Store) AssignKernelAgent(_ context.Context, id domain.KernelID, agentID domain.AgentID, agentAddr string, slots resource.Slot) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket(bucketKernels)
		data := b.Get([]byte(id))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "kernel not found: "+string(id))
		}
		var kernel domain.Kernel
		if err := json.Unmarshal(data, &kernel); err != nil {
			return err
		}
		kernel.AgentID = agentID
		kernel.AgentAddr = agentAddr
		kernel.OccupiedSlots = slots
		out, err := json.Marshal(kernel)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// --- Scaling groups ---

func (s *Store) ListScalingGroups(_ context.Context) ([]domain.ScalingGroupInfo, error) {
	var groups []domain.ScalingGroupInfo
	err := s.db.View(func(tx *boltdb.Tx) error {
		return tx.Bucket(bucketScalingGroups).ForEach(func(_, v []byte) error {
			var info domain.ScalingGroupInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			groups = append(groups, info)
			return nil
		})
	})
	return groups, err
}

func (s *Store) GetScalingGroup(_ context.Context, name domain.ScalingGroupName) (domain.ScalingGroupInfo, error) {
	var info domain.ScalingGroupInfo
	err := s.db.View(func(tx *boltdb.Tx) error {
		data := tx.Bucket(bucketScalingGroups).Get([]byte(name))
		if data == nil {
			return schederr.New(schederr.CodeNotFound, "scaling group not found: "+string(name))
		}
		return json.Unmarshal(data, &info)
	})
	return info, err
}

// PutScalingGroup is an administrative helper (not part of
// storage.Store) for seeding/updating scaling-group policy, used by
// cmd/sokovanctl and tests.
func (s *Store) PutScalingGroup(_ context.Context, info domain.ScalingGroupInfo) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketScalingGroups).Put([]byte(info.Name), data)
	})
}
