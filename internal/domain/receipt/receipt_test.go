package receipt

import (
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommitted(t *testing.T) *WriteReceipt {
	t.Helper()
	created := time.Date(2024, 3, 9, 10, 0, 0, 123456789, time.UTC)
	committed := created.Add(25 * time.Millisecond)
	r, err := New("env-1", "01HRZK3G5Q4W8YB3D1XQ2M7N6P", true, []StoreWriteRecord{
		{Name: "episodic", TS: committed, RecordID: "ep-1"},
		{Name: "outbox", TS: committed, RecordID: "evt-1"},
	}, created, &committed, nil)
	require.NoError(t, err)
	return r
}

func TestNew_SealsAndVerifies(t *testing.T) {
	r := newCommitted(t)

	assert.Len(t, r.ReceiptHash, 64)
	assert.True(t, r.VerifyIntegrity())
	assert.NoError(t, r.Verify())
}

func TestNew_NormalizesTimes(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	created := time.Date(2024, 1, 1, 12, 0, 0, 999, loc)

	r, err := New("", "uow", false, nil, created, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, time.UTC, r.CreatedTS.Location())
	assert.Equal(t, 0, r.CreatedTS.Nanosecond()%1000)
	assert.Nil(t, r.CommittedTS)
	assert.NotNil(t, r.Stores)
}

func TestVerifyIntegrity_DetectsMutation(t *testing.T) {
	errMsg := "boom"
	tests := []struct {
		name   string
		mutate func(r *WriteReceipt)
	}{
		{"envelope", func(r *WriteReceipt) { r.EnvelopeID = "env-2" }},
		{"uow id", func(r *WriteReceipt) { r.UOWID = "other" }},
		{"committed flag", func(r *WriteReceipt) { r.Committed = false }},
		{"store name", func(r *WriteReceipt) { r.Stores[0].Name = "vectors" }},
		{"store record", func(r *WriteReceipt) { r.Stores[1].RecordID = "evt-2" }},
		{"store dropped", func(r *WriteReceipt) { r.Stores = r.Stores[:1] }},
		{"created ts", func(r *WriteReceipt) { r.CreatedTS = r.CreatedTS.Add(time.Microsecond) }},
		{"committed ts cleared", func(r *WriteReceipt) { r.CommittedTS = nil }},
		{"error set", func(r *WriteReceipt) { r.Error = &errMsg }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newCommitted(t)
			tt.mutate(r)
			assert.False(t, r.VerifyIntegrity())
			assert.ErrorIs(t, r.Verify(), domainErrors.ErrIntegrity)
		})
	}
}

func TestVerifyIntegrity_EmptyHashFails(t *testing.T) {
	r := newCommitted(t)
	r.ReceiptHash = ""
	assert.False(t, r.VerifyIntegrity())
}

func TestComputeHash_Deterministic(t *testing.T) {
	a := newCommitted(t)
	b := newCommitted(t)
	assert.Equal(t, a.ReceiptHash, b.ReceiptHash)
}

func TestFormatParseTime_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 7, 4, 8, 30, 15, 120000000, time.UTC)
	got, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}

func TestRollbackReceipt_CarriesError(t *testing.T) {
	msg := "store vectors failed during commit: disk full"
	r, err := New("", "uow-rb", false, nil, time.Now(), nil, &msg)
	require.NoError(t, err)

	assert.False(t, r.Committed)
	require.NotNil(t, r.Error)
	assert.Equal(t, msg, *r.Error)
	assert.True(t, r.VerifyIntegrity())
}
