package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/internal/storetest"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertRecordIsIdempotentPerOrder(t *testing.T) {
	db := storetest.Open(t)
	node := storetest.Node(t)
	r := Provide()
	ctx := context.Background()

	record := ledgerdomain.PaymentRecord{
		ID:          node.Generate(),
		UserID:      "user-1",
		ProductID:   "topup",
		ProductName: "Basic One-Time",
		Mode:        string(ledgerdomain.ModeOneTime),
		Provider:    "zpay",
		OrderRef:    "Z1",
		Amount:      0.3,
		Currency:    "CNY",
		Status:      ledgerdomain.PaymentStatusSuccess,
		CreatedAt:   time.Now().UTC(),
	}
	inserted, err := r.InsertRecord(ctx, db, &record)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := record
	again.ID = node.Generate()
	inserted, err = r.InsertRecord(ctx, db, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := record
	other.ID = node.Generate()
	other.Provider = "yipay"
	inserted, err = r.InsertRecord(ctx, db, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	ref := grantdomain.GrantRef{Kind: grantdomain.KindOnetime, ID: node.Generate()}
	require.NoError(t, r.AttachGrant(ctx, db, record.ID, ref))

	found, err := r.FindRecord(ctx, db, "zpay", "Z1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, record.ID, found.ID)
	require.NotNil(t, found.GrantID)
	assert.Equal(t, ref.ID, *found.GrantID)

	missing, err := r.FindRecord(ctx, db, "zpay", "Z404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListByUserNewestFirst(t *testing.T) {
	db := storetest.Open(t)
	node := storetest.Node(t)
	r := Provide()
	ctx := context.Background()
	base := time.Date(2025, 1, 30, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := r.InsertRecord(ctx, db, &ledgerdomain.PaymentRecord{
			ID:          node.Generate(),
			UserID:      "user-1",
			ProductID:   "topup",
			ProductName: "Basic One-Time",
			Mode:        string(ledgerdomain.ModeOneTime),
			Provider:    "zpay",
			OrderRef:    fmt.Sprintf("Z%d", i),
			Currency:    "CNY",
			Status:      ledgerdomain.PaymentStatusSuccess,
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	records, info, err := r.ListByUser(ctx, db, "user-1", pagination.Pagination{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Z2", records[0].OrderRef)
	assert.Equal(t, "Z1", records[1].OrderRef)
	assert.True(t, info.HasMore)

	records, _, err = r.ListByUser(ctx, db, "user-2", pagination.Pagination{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, records)
}
