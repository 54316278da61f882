package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// maxTxnRetries bounds retries of read-modify-write transactions that lose
// a badger conflict check to a concurrent writer.
const maxTxnRetries = 16

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	return open(opts)
}

// NewInMemoryStore opens a store that keeps everything in memory.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func instanceKey(id string) []byte {
	return []byte("instance:" + id)
}

func bdmPrefix(instanceID string) []byte {
	return []byte("bdm:" + instanceID + ":")
}

func bdmKey(instanceID, id string) []byte {
	return append(bdmPrefix(instanceID), id...)
}

func quotaKey(id string) []byte {
	return []byte("quota:" + id)
}

func faultKey(instanceID string) []byte {
	return []byte("fault:" + instanceID)
}

// update runs fn in a read-write transaction, retrying when badger reports
// that a concurrent transaction committed a conflicting write first.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxTxnRetries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getInstance(txn *badger.Txn, id string, readDeleted bool) (*models.Instance, error) {
	var inst models.Instance
	if err := getJSON(txn, instanceKey(id), &inst); err != nil {
		return nil, err
	}
	if inst.Deleted() && !readDeleted {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (s *BadgerStore) SaveInstance(ctx context.Context, inst *models.Instance) error {
	if inst.ID == "" {
		return errors.New("instance id required")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, instanceKey(inst.ID), inst)
	})
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	return s.lookup(id, false)
}

func (s *BadgerStore) GetInstanceReadDeleted(ctx context.Context, id string) (*models.Instance, error) {
	return s.lookup(id, true)
}

func (s *BadgerStore) lookup(id string, readDeleted bool) (*models.Instance, error) {
	var out *models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getInstance(txn, id, readDeleted)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("instance:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var inst models.Instance
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &inst)
			}); err != nil {
				return err
			}
			if !inst.Deleted() {
				out = append(out, &inst)
			}
		}
		return nil
	})
	return out, err
}

// UpdateInstance applies upd atomically. The expected task state check and
// the write happen in one transaction, so racing writers either observe the
// new state or fail with a conflict.
func (s *BadgerStore) UpdateInstance(ctx context.Context, id string, upd InstanceUpdate) (*models.Instance, error) {
	var out *models.Instance
	err := s.update(ctx, func(txn *badger.Txn) error {
		inst, err := getInstance(txn, id, false)
		if err != nil {
			return err
		}
		if upd.guarded() && !upd.allows(inst.TaskState) {
			return &TaskStateConflictError{
				InstanceID: id,
				Expected:   slices.Clone(upd.ExpectedTaskState),
				Actual:     inst.TaskState,
			}
		}
		if upd.TaskState != nil {
			inst.TaskState = *upd.TaskState
		}
		if upd.VMState != nil {
			inst.VMState = *upd.VMState
		}
		inst.Version++
		inst.UpdatedAt = time.Now().UTC()
		if err := setJSON(txn, instanceKey(id), inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DestroyInstance soft-deletes the instance, drops its device mappings and
// commits the quota reservation in one transaction.
func (s *BadgerStore) DestroyInstance(ctx context.Context, id string, quotas *models.QuotaReservation) (*models.Instance, error) {
	if quotas != nil && quotas.Resolved() {
		return nil, errors.Errorf("reservation %s already %s", quotas.ID, quotas.State)
	}
	var out *models.Instance
	err := s.update(ctx, func(txn *badger.Txn) error {
		inst, err := getInstance(txn, id, false)
		if err != nil {
			return err
		}
		if quotas != nil {
			committed := *quotas
			committed.State = models.ReservationCommitted
			if err := setJSON(txn, quotaKey(quotas.ID), &committed); err != nil {
				return err
			}
		}
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := bdmPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		inst.VMState = models.VMDeleted
		inst.TaskState = models.TaskNone
		inst.DeletedAt = &now
		inst.UpdatedAt = now
		inst.Version++
		if err := setJSON(txn, instanceKey(id), inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	if quotas != nil {
		quotas.State = models.ReservationCommitted
	}
	return out, nil
}

func (s *BadgerStore) SaveBlockDeviceMapping(ctx context.Context, bdm *models.BlockDeviceMapping) error {
	if bdm.InstanceID == "" {
		return errors.New("block device mapping needs an instance id")
	}
	if bdm.ID == "" {
		bdm.ID = uuid.NewString()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, bdmKey(bdm.InstanceID, bdm.ID), bdm)
	})
}

// ListBlockDeviceMappings returns the mappings ordered by boot index, then
// device name.
func (s *BadgerStore) ListBlockDeviceMappings(ctx context.Context, instanceID string) ([]models.BlockDeviceMapping, error) {
	var out []models.BlockDeviceMapping
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := bdmPrefix(instanceID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var bdm models.BlockDeviceMapping
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &bdm)
			}); err != nil {
				return err
			}
			out = append(out, bdm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b models.BlockDeviceMapping) int {
		if a.BootIndex != b.BootIndex {
			return a.BootIndex - b.BootIndex
		}
		return strings.Compare(a.DeviceName, b.DeviceName)
	})
	return out, nil
}

// QuotasFromUsage builds an unpersisted reservation releasing the
// instance's current footprint. An instance that is already gone yields an
// empty reservation.
func (s *BadgerStore) QuotasFromUsage(ctx context.Context, inst *models.Instance) (*models.QuotaReservation, error) {
	res := &models.QuotaReservation{
		ID:         uuid.NewString(),
		ProjectID:  inst.ProjectID,
		InstanceID: inst.ID,
		Deltas:     map[string]int64{},
		State:      models.ReservationPending,
	}
	current, err := s.GetInstance(ctx, inst.ID)
	switch {
	case IsNotFound(err):
		return res, nil
	case err != nil:
		return nil, err
	}
	res.ProjectID = current.ProjectID
	res.Deltas["instances"] = -1
	res.Deltas["cores"] = -current.VCPUs
	res.Deltas["ram"] = -current.MemoryMB
	return res, nil
}

// GetQuotas reads a committed reservation.
func (s *BadgerStore) GetQuotas(ctx context.Context, id string) (*models.QuotaReservation, error) {
	var out models.QuotaReservation
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, quotaKey(id), &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// RollbackQuotas resolves a pending reservation. Reservations are only
// written when committed, so nothing is written here.
func (s *BadgerStore) RollbackQuotas(ctx context.Context, res *models.QuotaReservation) error {
	if res.Resolved() {
		return errors.Errorf("reservation %s already %s", res.ID, res.State)
	}
	res.State = models.ReservationRolledBack
	return nil
}

func (s *BadgerStore) AddInstanceFault(ctx context.Context, fault *models.InstanceFault) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, faultKey(fault.InstanceID), fault)
	})
}

func (s *BadgerStore) GetInstanceFault(ctx context.Context, instanceID string) (*models.InstanceFault, error) {
	var out models.InstanceFault
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, faultKey(instanceID), &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}
