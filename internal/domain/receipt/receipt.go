package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
)

// StoreWriteRecord names one record a store wrote during a unit of work.
type StoreWriteRecord struct {
	Name     string    `json:"name"`
	TS       time.Time `json:"ts"`
	RecordID string    `json:"record_id"`
}

// WriteReceipt is the immutable outcome of one unit of work.
type WriteReceipt struct {
	EnvelopeID  string             `json:"envelope_id"`
	UOWID       string             `json:"uow_id"`
	Committed   bool               `json:"committed"`
	Stores      []StoreWriteRecord `json:"stores"`
	CreatedTS   time.Time          `json:"created_ts"`
	CommittedTS *time.Time         `json:"committed_ts"`
	Error       *string            `json:"error"`
	ReceiptHash string             `json:"receipt_hash"`
}

// canonical is the hashed form: fixed field order, UTC times with
// microsecond precision, no hash.
type canonical struct {
	EnvelopeID  string          `json:"envelope_id"`
	UOWID       string          `json:"uow_id"`
	Committed   bool            `json:"committed"`
	Stores      []canonicalItem `json:"stores"`
	CreatedTS   string          `json:"created_ts"`
	CommittedTS *string         `json:"committed_ts"`
	Error       *string         `json:"error"`
}

type canonicalItem struct {
	Name     string `json:"name"`
	TS       string `json:"ts"`
	RecordID string `json:"record_id"`
}

// New builds a sealed receipt. Times are normalized so the hash survives a
// round trip through storage.
func New(envelopeID, uowID string, committed bool, stores []StoreWriteRecord, createdTS time.Time, committedTS *time.Time, errMsg *string) (*WriteReceipt, error) {
	r := &WriteReceipt{
		EnvelopeID: envelopeID,
		UOWID:      uowID,
		Committed:  committed,
		Stores:     make([]StoreWriteRecord, len(stores)),
		CreatedTS:  Normalize(createdTS),
		Error:      errMsg,
	}
	for i, s := range stores {
		r.Stores[i] = StoreWriteRecord{Name: s.Name, TS: Normalize(s.TS), RecordID: s.RecordID}
	}
	if committedTS != nil {
		ts := Normalize(*committedTS)
		r.CommittedTS = &ts
	}
	if err := r.Seal(); err != nil {
		return nil, err
	}
	return r, nil
}

// Normalize converts t to UTC truncated to microseconds.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTime renders a receipt timestamp the way it is hashed and stored.
func FormatTime(t time.Time) string {
	return Normalize(t).Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse receipt time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// CanonicalBytes serializes every field except the hash.
func (r *WriteReceipt) CanonicalBytes() ([]byte, error) {
	c := canonical{
		EnvelopeID: r.EnvelopeID,
		UOWID:      r.UOWID,
		Committed:  r.Committed,
		Stores:     make([]canonicalItem, len(r.Stores)),
		CreatedTS:  FormatTime(r.CreatedTS),
		Error:      r.Error,
	}
	for i, s := range r.Stores {
		c.Stores[i] = canonicalItem{Name: s.Name, TS: FormatTime(s.TS), RecordID: s.RecordID}
	}
	if r.CommittedTS != nil {
		ts := FormatTime(*r.CommittedTS)
		c.CommittedTS = &ts
	}
	return json.Marshal(c)
}

// ComputeHash returns the hex SHA-256 of the canonical serialization.
func (r *WriteReceipt) ComputeHash() (string, error) {
	raw, err := r.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("serialize receipt: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Seal sets ReceiptHash from the current field values.
func (r *WriteReceipt) Seal() error {
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.ReceiptHash = h
	return nil
}

// VerifyIntegrity reports whether the stored hash matches the fields. A
// receipt without a hash never verifies.
func (r *WriteReceipt) VerifyIntegrity() bool {
	if r.ReceiptHash == "" {
		return false
	}
	h, err := r.ComputeHash()
	if err != nil {
		return false
	}
	return h == r.ReceiptHash
}

// Verify is VerifyIntegrity returning ErrIntegrity on mismatch.
func (r *WriteReceipt) Verify() error {
	if !r.VerifyIntegrity() {
		return fmt.Errorf("%w: receipt %s", domainErrors.ErrIntegrity, r.UOWID)
	}
	return nil
}
