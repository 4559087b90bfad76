package zorm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_GlobalDB(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()

	err := Transaction(ctx, func(tx *Tx) error {
		return New[testRole]().WithTx(tx).Create(ctx, &testRole{ID: 10, Name: "committed"})
	})
	require.NoError(t, err)

	role, err := New[testRole]().Find(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "committed", role.Name)
}

func TestTransaction_RollbackOnError(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := Transaction(ctx, func(tx *Tx) error {
		if err := New[testRole]().WithTx(tx).Create(ctx, &testRole{ID: 11, Name: "gone"}); err != nil {
			return err
		}
		_, err := userRoles.Of(&testUser{ID: 2}).Pivots.WithTx(tx).Attach(ctx, IDs(11))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = New[testRole]().Find(ctx, 11)
	assert.True(t, IsNotFound(err))
	assert.Empty(t, resolveKeys(t, 2))
}

func TestTransaction_RollbackOnPanic(t *testing.T) {
	db := setupJSONDB(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = TransactionOn(ctx, db, func(tx *Tx) error {
			_, err := userRoles.Of(&testUser{ID: 1}).Pivots.WithTx(tx).Detach(ctx)
			require.NoError(t, err)
			panic("boom")
		})
	})
	assert.Equal(t, 2, pivotRowCount(t, db, 1))
}

func TestTransaction_RelationReadsSeeUncommittedWrites(t *testing.T) {
	db := setupJSONDB(t)
	ctx := context.Background()

	err := TransactionOn(ctx, db, func(tx *Tx) error {
		_, err := userRoles.Of(&testUser{ID: 2}).Pivots.WithTx(tx).Attach(ctx, IDs(1))
		require.NoError(t, err)

		roles, err := userRoles.Query().WithTx(tx).ResolveKey(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64s(1), roles.Keys())

		n, err := New[testUser]().WithTx(tx).Has("roles").Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		return nil
	})
	require.NoError(t, err)
}

func TestTransaction_NoDatabase(t *testing.T) {
	oldDB := GlobalDB
	GlobalDB = nil
	t.Cleanup(func() { GlobalDB = oldDB })

	err := Transaction(context.Background(), func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, TransactionOn(context.Background(), nil, func(*Tx) error { return nil }), ErrNilPointer)
}
