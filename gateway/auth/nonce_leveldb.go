package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// nonce keys are "n:" partner 0x00 timestamp 0x00 nonce; the value is the
// observation time in big-endian unix nanos. The table stays small because the
// authenticator prunes it to the replay window.
const noncePrefix = "n:"

// LevelDBNoncePersistence stores nonce observations in a LevelDB database.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens or creates the database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying database.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records the observation, reporting true when the nonce was
// already present.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("nonce store not configured")
	}
	key, err := nonceKey(record)
	if err != nil {
		return false, err
	}
	if _, err := p.db.Get(key, nil); err == nil {
		return true, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return false, fmt.Errorf("read nonce: %w", err)
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(observed.UnixNano()))
	if err := p.db.Put(key, value, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns observations at or after cutoff.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("nonce store not configured")
	}
	floor := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, observed, ok := decodeNonce(iter.Key(), iter.Value())
		if !ok || observed < floor {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonce store: %w", err)
	}
	return records, nil
}

// PruneNonces drops observations before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("nonce store not configured")
	}
	floor := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, observed, ok := decodeNonce(iter.Key(), iter.Value()); ok && observed < floor {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonce store: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonce store: %w", err)
	}
	return nil
}

func nonceKey(record NonceRecord) ([]byte, error) {
	partner := strings.TrimSpace(record.PartnerID)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if partner == "" || ts == "" || nonce == "" {
		return nil, fmt.Errorf("nonce record incomplete")
	}
	var key bytes.Buffer
	key.WriteString(noncePrefix)
	key.WriteString(partner)
	key.WriteByte(0)
	key.WriteString(ts)
	key.WriteByte(0)
	key.WriteString(nonce)
	return key.Bytes(), nil
}

func decodeNonce(key, value []byte) (NonceRecord, int64, bool) {
	if len(value) != 8 {
		return NonceRecord{}, 0, false
	}
	parts := bytes.SplitN(bytes.TrimPrefix(key, []byte(noncePrefix)), []byte{0}, 3)
	if len(parts) != 3 {
		return NonceRecord{}, 0, false
	}
	observed := int64(binary.BigEndian.Uint64(value))
	return NonceRecord{
		PartnerID:  string(parts[0]),
		Timestamp:  string(parts[1]),
		Nonce:      string(parts[2]),
		ObservedAt: time.Unix(0, observed).UTC(),
	}, observed, true
}
