package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketReplies = []byte("idempotency")

// ReplayRecord stores a completed mutating response so retries with the same
// Idempotency-Key observe the original outcome instead of re-running the
// workflow.
type ReplayRecord struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ReplayStore persists idempotency records in a Bolt database.
type ReplayStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

func NewReplayStore(path string, ttl time.Duration) (*ReplayStore, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReplies)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ReplayStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *ReplayStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for a key, expiring stale entries inline.
func (s *ReplayStore) Get(key string) (ReplayRecord, bool, error) {
	var record ReplayRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReplies)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if s.now().After(record.ExpiresAt) {
			record = ReplayRecord{}
			return bucket.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		return ReplayRecord{}, false, err
	}
	if record.StatusCode == 0 {
		return ReplayRecord{}, false, nil
	}
	return record, true, nil
}

// Put stores the response envelope for the supplied key.
func (s *ReplayStore) Put(key string, record ReplayRecord) error {
	record.StoredAt = s.now()
	record.ExpiresAt = record.StoredAt.Add(s.ttl)
	return s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplies).Put([]byte(key), payload)
	})
}

type replayRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *replayRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *replayRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// Middleware replays cached responses for mutating requests that carry an
// Idempotency-Key header. Responses are cached only when the handler
// completed; 5xx outcomes are left uncached so clients can retry them.
func (s *ReplayStore) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.db == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method != http.MethodPost && r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			caller := ""
			if addr, ok := CallerFromContext(r.Context()); ok {
				caller = addr.String()
			}
			storeKey := r.Method + "|" + r.URL.Path + "|" + caller + "|" + key

			if record, ok, err := s.Get(storeKey); err != nil {
				slog.Warn("gateway: idempotency lookup failed", "error", err)
			} else if ok {
				if record.ContentType != "" {
					w.Header().Set("Content-Type", record.ContentType)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(record.StatusCode)
				_, _ = w.Write(record.Body)
				return
			}

			recorder := &replayRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= 500 {
				return
			}
			record := ReplayRecord{
				StatusCode:  recorder.status,
				ContentType: recorder.Header().Get("Content-Type"),
				Body:        append([]byte(nil), recorder.body.Bytes()...),
			}
			if err := s.Put(storeKey, record); err != nil {
				slog.Warn("gateway: idempotency store failed", "error", err)
			}
		})
	}
}
