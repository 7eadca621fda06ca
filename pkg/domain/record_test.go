package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"register/pkg/domain"
)

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	return v
}

func TestRecordJSONUsesStateNames(t *testing.T) {
	rec := domain.NewDraft("x")
	rec.ID = "abc"
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","apiVersion":1,"summary":"x","state":"Draft"}`, string(raw))

	var decoded domain.Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc","state":11}`), &decoded))
	assert.Equal(t, domain.StateCompleted, decoded.State)

	require.NoError(t, json.Unmarshal([]byte(`{"state":"Bogus"}`), &decoded))
	assert.Equal(t, domain.StateUnspecified, decoded.State)
}

func TestCloneDoesNotAlias(t *testing.T) {
	at := domain.NormalizeTime(time.Now())
	rec := domain.Record{CreatedAt: &at, Traces: &domain.Traces{Collected: &domain.Trace{ClientSigner: &domain.Signer{Name: "a"}}}}
	cp := rec.Clone()
	cp.Traces.Collected.ClientSigner.Name = "b"
	*cp.CreatedAt = at.Add(time.Hour)
	assert.Equal(t, "a", rec.Traces.Collected.ClientSigner.Name)
	assert.Equal(t, at, *rec.CreatedAt)
}

func TestDeletedEventCarriesOnlyID(t *testing.T) {
	ev := domain.Deleted("r9")
	assert.Equal(t, domain.EventDeleted, ev.Kind)
	assert.Equal(t, domain.Record{ID: "r9"}, ev.Record)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"deleted"`)
}
