package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/database/testutil"
)

func TestAuditLogAndList(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)
	ctx := context.Background()

	accountID := "acct-1"
	require.NoError(t, svc.Log(ctx, AuditEntry{
		AccountID: &accountID,
		Action:    AuditActionVerify,
		Result:    "success",
		IPAddress: "198.51.100.7",
		UserAgent: "tally-test",
		Metadata:  map[string]any{"kind": "totp"},
	}))
	require.NoError(t, svc.Log(ctx, AuditEntry{
		AccountID: &accountID,
		Action:    AuditActionVerify,
		Result:    "failure",
	}))
	require.NoError(t, svc.Log(ctx, AuditEntry{
		Action: AuditActionLockout,
		Result: "locked",
	}))

	logs, err := svc.List(ctx, AuditFilters{}, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	logs, err = svc.List(ctx, AuditFilters{AccountID: accountID}, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	logs, err = svc.List(ctx, AuditFilters{Action: AuditActionVerify, Result: "success"}, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "198.51.100.7", logs[0].IPAddress)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &meta))
	require.Equal(t, "totp", meta["kind"])
}

func TestAuditLogRequiresActionAndResult(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	require.Error(t, svc.Log(context.Background(), AuditEntry{Result: "success"}))
	require.Error(t, svc.Log(context.Background(), AuditEntry{Action: AuditActionVerify}))
}

func TestAuditListHonorsLimit(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Log(ctx, AuditEntry{Action: AuditActionVerify, Result: "failure"}))
	}

	logs, err := svc.List(ctx, AuditFilters{}, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}
