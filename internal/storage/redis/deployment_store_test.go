package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Dough-Agent/internal/deployment"
	xerrors "Dough-Agent/internal/errors"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestRecordEncoding(t *testing.T) {
	rec := deployment.Record{
		Identity:   "dough",
		Address:    addrA,
		DeployTx:   common.Hash{0x01},
		Registered: true,
		UpdatedAt:  time.Unix(1700000000, 0).UTC(),
	}

	fields := encodeRecord(rec)
	assert.Equal(t, "1", fields["registered"])
	assert.Equal(t, "", fields["register_tx"])

	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = v.(string)
	}
	decoded, err := decodeRecord("dough", raw)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestDecodeRejectsInvalidAddress(t *testing.T) {
	_, err := decodeRecord("dough", map[string]string{"address": "nope"})
	assert.Equal(t, xerrors.CodeStateConflict, xerrors.CodeOf(err))
}

func TestNewDeploymentStoreRequiresAddress(t *testing.T) {
	_, err := NewDeploymentStore(context.Background(), Config{})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestDeploymentStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	store, err := NewDeploymentStore(ctx, Config{Address: addr, KeyPrefix: "dough-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(ctx, "dough")
	assert.ErrorIs(t, err, deployment.ErrRecordNotFound)

	require.NoError(t, store.Save(ctx, deployment.Record{Identity: "dough", Address: addrA}, false))
	require.NoError(t, store.Save(ctx, deployment.Record{Identity: "dough", Address: addrA, Registered: true}, false))

	rec, err := store.Load(ctx, "dough")
	require.NoError(t, err)
	assert.True(t, rec.Registered)

	err = store.Save(ctx, deployment.Record{Identity: "dough", Address: addrB}, false)
	assert.True(t, errors.Is(err, deployment.ErrAddressConflict))

	require.NoError(t, store.Save(ctx, deployment.Record{Identity: "dough", Address: addrB}, true))
	rec, err = store.Load(ctx, "dough")
	require.NoError(t, err)
	assert.Equal(t, addrB, rec.Address)
	assert.NoError(t, store.client.Del(ctx, store.key("dough")).Err())
}
