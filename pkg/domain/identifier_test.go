package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"register/pkg/domain"
)

func TestUUIDCodec(t *testing.T) {
	codec := domain.UUIDCodec{}
	first, second := codec.New(), codec.New()
	assert.Less(t, codec.Encode(first), codec.Encode(second), "v7 ids sort by creation")

	decoded, err := codec.Decode(codec.Encode(first))
	require.NoError(t, err)
	assert.Equal(t, first, decoded)

	for _, raw := range []string{"", "nope", "00000000-0000-0000-0000-000000000000", "{" + codec.Encode(first) + "}", "65a1f0c2e4b0a1b2c3d4e5f6"} {
		_, err := codec.Decode(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidIdentifier, raw)
	}
}

func TestStorageErrorMatchesSentinels(t *testing.T) {
	err := error(domain.NewUnavailableError("fetch", assert.AnError))
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, err, assert.AnError)

	err = domain.NewStorageError("fetch", assert.AnError)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.NotErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestFilterMatches(t *testing.T) {
	at := domain.NormalizeTime(mustTime(t, "2024-01-02T00:00:00Z"))
	rec := domain.Record{State: domain.StateCompleted, CreatedAt: &at}

	assert.False(t, domain.Filter{}.Matches(rec))
	assert.True(t, domain.Filter{States: []domain.RecordState{domain.StateCompleted}}.Matches(rec))
	assert.True(t, domain.Filter{States: []domain.RecordState{domain.StateCompleted}, Created: &domain.TimeRange{From: at, To: at}}.Matches(rec))
	assert.False(t, domain.Filter{States: []domain.RecordState{domain.StateCompleted}, Created: &domain.TimeRange{From: at.Add(1), To: at.Add(2)}}.Matches(rec))
	assert.False(t, domain.Filter{States: []domain.RecordState{domain.StateDraft}}.Matches(rec))
}
