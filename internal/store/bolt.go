package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/formbridge/formbridge/pkg/models"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTenants      = []byte("tenants")
	bucketDestinations = []byte("destinations")
	bucketSubmissions  = []byte("submissions")
	bucketTimeIndex    = []byte("time_index")
	bucketAttempts     = []byte("attempts")
	bucketRate         = []byte("rate")
)

// rateBucketTTL mirrors the 2-minute item TTL on rate buckets.
const rateBucketTTL = 2

// BoltStore implements Store using a single bbolt database file. Nested
// buckets mirror the partition-key layout: the outer bucket is the entity
// class, the inner bucket is the partition key, and the key is the sort key.
type BoltStore struct {
	db     *bolt.DB
	stopCh chan struct{}
}

// NewBoltStore opens (or creates) formbridge.db under dataDir and starts the
// rate-bucket janitor.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "formbridge.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketTenants,
			bucketDestinations,
			bucketSubmissions,
			bucketTimeIndex,
			bucketAttempts,
			bucketRate,
		} {
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

	s := &BoltStore{db: db, stopCh: make(chan struct{})}
	go s.janitor()
	return s, nil
}

// ── Tenants & destinations ──────────────────────────────────

func (s *BoltStore) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(tenantID))
		if data == nil {
			return &ErrNotFound{Entity: "tenant", Key: tenantID}
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) PutTenant(ctx context.Context, tenant *models.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTenants).Put([]byte(tenant.TenantID), data)
	})
}

func (s *BoltStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var t models.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListDestinations(ctx context.Context, tenantID string) ([]models.Destination, error) {
	var out []models.Destination
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDestinations).Bucket([]byte(tenantPK(tenantID)))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d models.Destination
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Enabled {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetDestination(ctx context.Context, tenantID, destinationID string) (*models.Destination, error) {
	var dest models.Destination
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDestinations).Bucket([]byte(tenantPK(tenantID)))
		if b == nil {
			return &ErrNotFound{Entity: "destination", Key: tenantID + "/" + destinationID}
		}
		data := b.Get([]byte(destSK(destinationID)))
		if data == nil {
			return &ErrNotFound{Entity: "destination", Key: tenantID + "/" + destinationID}
		}
		return json.Unmarshal(data, &dest)
	})
	if err != nil {
		return nil, err
	}
	return &dest, nil
}

func (s *BoltStore) PutDestination(ctx context.Context, dest *models.Destination) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDestinations).CreateBucketIfNotExists([]byte(tenantPK(dest.TenantID)))
		if err != nil {
			return err
		}
		data, err := json.Marshal(dest)
		if err != nil {
			return err
		}
		return b.Put([]byte(destSK(dest.DestinationID)), data)
	})
}

// ── Submissions ─────────────────────────────────────────────

func (s *BoltStore) PutSubmissionIfAbsent(ctx context.Context, sub *models.Submission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pk := []byte(tenantPK(sub.TenantID))
		b, err := tx.Bucket(bucketSubmissions).CreateBucketIfNotExists(pk)
		if err != nil {
			return err
		}
		sk := []byte(subSK(sub.SubmissionID))
		if b.Get(sk) != nil {
			return &ErrAlreadyExists{Entity: "submission", Key: sub.SubmissionID}
		}
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		if err := b.Put(sk, data); err != nil {
			return err
		}
		idx, err := tx.Bucket(bucketTimeIndex).CreateBucketIfNotExists(pk)
		if err != nil {
			return err
		}
		return idx.Put([]byte(TimeIndexKey(sub.SubmittedAt, sub.SubmissionID)), []byte(sub.SubmissionID))
	})
}

func (s *BoltStore) GetSubmission(ctx context.Context, tenantID, submissionID string) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions).Bucket([]byte(tenantPK(tenantID)))
		if b == nil {
			return &ErrNotFound{Entity: "submission", Key: submissionID}
		}
		data := b.Get([]byte(subSK(submissionID)))
		if data == nil {
			return &ErrNotFound{Entity: "submission", Key: submissionID}
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) ListSubmissionsByTime(ctx context.Context, tenantID string, since, until time.Time, cursor string, limit int) ([]models.Submission, string, error) {
	lower := "TS#"
	if !since.IsZero() {
		lower = "TS#" + since.UTC().Format(tsKeyFormat)
	}
	upper := "TS#\xff"
	if !until.IsZero() {
		upper = "TS#" + until.UTC().Format(tsKeyFormat) + "#\xff"
	}
	if cursor != "" && cursor < upper {
		upper = cursor // continue strictly below the last returned key
	}

	var out []models.Submission
	next := ""
	err := s.db.View(func(tx *bolt.Tx) error {
		pk := []byte(tenantPK(tenantID))
		idx := tx.Bucket(bucketTimeIndex).Bucket(pk)
		subs := tx.Bucket(bucketSubmissions).Bucket(pk)
		if idx == nil || subs == nil {
			return nil
		}
		c := idx.Cursor()
		// Walk the index newest-first starting just below the upper bound.
		k, v := c.Seek([]byte(upper))
		if k == nil {
			k, v = c.Last()
		}
		for ; k != nil; k, v = c.Prev() {
			key := string(k)
			if key >= upper {
				continue
			}
			if key < lower {
				break
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
			data := subs.Get([]byte(subSK(string(v))))
			if data == nil {
				continue
			}
			var sub models.Submission
			if err := json.Unmarshal(data, &sub); err != nil {
				return err
			}
			out = append(out, sub)
			next = key
		}
		// Walked off the range: no further pages.
		next = ""
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

func (s *BoltStore) PurgeExpiredSubmissions(ctx context.Context, tenantID string, now time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		pk := []byte(tenantPK(tenantID))
		subs := tx.Bucket(bucketSubmissions).Bucket(pk)
		if subs == nil {
			return nil
		}
		idx := tx.Bucket(bucketTimeIndex).Bucket(pk)

		var expired []models.Submission
		if err := subs.ForEach(func(k, v []byte) error {
			var sub models.Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if !sub.ExpiresAt.IsZero() && !sub.ExpiresAt.After(now) {
				expired = append(expired, sub)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, sub := range expired {
			if err := subs.Delete([]byte(subSK(sub.SubmissionID))); err != nil {
				return err
			}
			if idx != nil {
				if err := idx.Delete([]byte(TimeIndexKey(sub.SubmittedAt, sub.SubmissionID))); err != nil {
					return err
				}
			}
			// Attempts share the submission's TTL.
			if tx.Bucket(bucketAttempts).Bucket([]byte(subSK(sub.SubmissionID))) != nil {
				if err := tx.Bucket(bucketAttempts).DeleteBucket([]byte(subSK(sub.SubmissionID))); err != nil {
					return err
				}
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// ── Delivery attempts ───────────────────────────────────────

func (s *BoltStore) AppendDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketAttempts).CreateBucketIfNotExists([]byte(subSK(attempt.SubmissionID)))
		if err != nil {
			return err
		}
		sk := []byte(attemptSK(attempt.DestinationID, attempt.AttemptNumber))
		if b.Get(sk) != nil {
			return &ErrAlreadyExists{Entity: "delivery attempt", Key: string(sk)}
		}
		data, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		return b.Put(sk, data)
	})
}

func (s *BoltStore) LastAttemptNumber(ctx context.Context, submissionID, destinationID string) (int, error) {
	max := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts).Bucket([]byte(subSK(submissionID)))
		if b == nil {
			return nil
		}
		prefix := []byte(attemptPrefix(destinationID))
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n, err := strconv.Atoi(string(k[len(prefix):]))
			if err == nil && n > max {
				max = n
			}
		}
		return nil
	})
	return max, err
}

func (s *BoltStore) ListDeliveryAttempts(ctx context.Context, submissionID, destinationID string) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts).Bucket([]byte(subSK(submissionID)))
		if b == nil {
			return nil
		}
		prefix := []byte(attemptPrefix(destinationID))
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a models.DeliveryAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// ── Rate buckets ────────────────────────────────────────────

func (s *BoltStore) IncrementRateBucket(ctx context.Context, scope string, minute int64, limit int) (bool, error) {
	allowed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketRate).CreateBucketIfNotExists([]byte("RATE#" + scope))
		if err != nil {
			return err
		}
		sk := []byte(fmt.Sprintf("BUCKET#%d", minute))
		count := int64(0)
		if data := b.Get(sk); data != nil {
			count = int64(binary.BigEndian.Uint64(data))
		}
		if count+1 > int64(limit) {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(count+1))
		if err := b.Put(sk, buf); err != nil {
			return err
		}
		allowed = true
		return nil
	})
	return allowed, err
}

// janitor emulates item TTL on rate buckets by sweeping entries older than
// two minutes.
func (s *BoltStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sweepRateBuckets(time.Now().Unix()/60 - rateBucketTTL); err != nil {
				log.Warn().Err(err).Msg("Rate bucket sweep failed")
			}
		}
	}
}

func (s *BoltStore) sweepRateBuckets(olderThanMinute int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketRate)
		return root.ForEachBucket(func(scope []byte) error {
			b := root.Bucket(scope)
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				minute, err := strconv.ParseInt(string(bytes.TrimPrefix(k, []byte("BUCKET#"))), 10, 64)
				if err != nil {
					continue
				}
				if minute < olderThanMinute {
					if err := c.Delete(); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) Close() error {
	close(s.stopCh)
	return s.db.Close()
}
