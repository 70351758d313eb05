// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtprec/pkg/log"
	"rtprec/pkg/stream"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketName     = "streams"
	defaultMaxKeys = 10000
)

// ErrNotInitialized Init has not been called.
var ErrNotInitialized = errors.New("database not initialized")

// Record finished stream.
type Record struct {
	StreamID   string    `json:"streamID"`
	Mode       string    `json:"mode"`
	Output     string    `json:"output"`
	AudioCodec string    `json:"audioCodec,omitempty"`
	VideoCodec string    `json:"videoCodec,omitempty"`
	AudioPort  int       `json:"audioPort,omitempty"`
	VideoPort  int       `json:"videoPort,omitempty"`
	Frames     uint64    `json:"frames"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt"` // Zero if never started.
	ClosedAt   time.Time `json:"closedAt"`
	Reason     string    `json:"reason,omitempty"` // Empty on graceful end.
}

// NewRecord returns record from the snapshot of a closed stream.
func NewRecord(info stream.Info) Record {
	r := Record{
		StreamID:  info.ID,
		Mode:      info.Mode,
		Output:    info.Output,
		AudioPort: info.AudioPort,
		VideoPort: info.VideoPort,
		Frames:    info.Progress.Frames,
		CreatedAt: info.CreatedAt,
		StartedAt: info.StartedAt,
		ClosedAt:  info.ClosedAt,
		Reason:    info.Reason,
	}
	if info.Audio != nil {
		r.AudioCodec = info.Audio.Name()
	}
	if info.Video != nil {
		r.VideoCodec = info.Video.Name()
	}
	return r
}

// DB stream history database.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last record to be saved before closing db.
	saveWG *sync.WaitGroup

	queueMu sync.Mutex
	queue   []Record
	wake    chan struct{}
}

// NewDB returns history database, maxKeys caps the number of records.
func NewDB(dbPath string, maxKeys int, wg *sync.WaitGroup) *DB {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &DB{
		dbPath:  dbPath,
		maxKeys: maxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
		wake:   make(chan struct{}, 1),
	}
}

// Init opens the database, it is closed when ctx is canceled.
func (d *DB) Init(ctx context.Context) error {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(d.dbPath, 0o600, dbOpts)
	if err != nil {
		return fmt.Errorf("open database: %w: %v", err, d.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create bucket: %v, %w", bucketName, err)
	}

	d.db = db

	d.wg.Add(1)
	go func() {
		<-ctx.Done()
		d.saveWG.Wait()
		db.Close()
		d.wg.Done()
	}()

	return nil
}

// Observe queues closed streams for saving. It is registered
// with Registry.OnEvent and never blocks on the database.
// Events are ignored until Init has succeeded.
func (d *DB) Observe(e stream.Event) {
	if e.Type != stream.EventClosed || d.db == nil {
		return
	}
	d.queueMu.Lock()
	d.queue = append(d.queue, NewRecord(e.Info))
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// SaveStreams saves queued records until ctx is canceled.
// Records queued before cancellation are saved before returning.
func (d *DB) SaveStreams(ctx context.Context, logger log.ILogger) {
	d.saveWG.Add(1)
	defer d.saveWG.Done()

	for {
		select {
		case <-ctx.Done():
			d.flush(logger)
			return
		case <-d.wake:
			d.flush(logger)
		}
	}
}

func (d *DB) flush(logger log.ILogger) {
	d.queueMu.Lock()
	records := d.queue
	d.queue = nil
	d.queueMu.Unlock()

	for _, r := range records {
		if err := d.Save(r); err != nil {
			logger.Log(log.Entry{
				Level:    log.LevelError,
				Src:      "history",
				StreamID: r.StreamID,
				Msg:      fmt.Sprintf("could not save stream: %v", err),
			})
		}
	}
}

// Save record, the oldest record is deleted if the database is full.
func (d *DB) Save(r Record) error {
	if d.db == nil {
		return ErrNotInitialized
	}

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		if b.Stats().KeyN >= d.maxKeys {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("delete first key: %w", err)
			}
		}

		// Records closed within the same nanosecond get the next free key.
		t := uint64(r.ClosedAt.UnixNano())
		for b.Get(encodeKey(t)) != nil {
			t++
		}
		return b.Put(encodeKey(t), value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	return b.Delete(k)
}

// Query returns up to limit records, newest first. A zero limit returns all.
func (d *DB) Query(limit int) ([]Record, error) {
	if d.db == nil {
		return nil, ErrNotInitialized
	}

	records := []Record{}
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for key, value := c.Last(); key != nil; key, value = c.Prev() {
			if limit > 0 && len(records) >= limit {
				return nil
			}
			var r Record
			if err := json.Unmarshal(value, &r); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}
