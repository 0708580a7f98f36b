package authz

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evidence-vault/internal/domain/model"
)

func TestRequire(t *testing.T) {
	cases := []struct {
		role Role
		cap  Capability
		ok   bool
	}{
		{RoleSystem, CapAppendAudit, true},
		{RoleCustodian, CapAppendAudit, true},
		{RoleAttorney, CapAppendAudit, false},
		{RoleAttorney, CapMintShare, true},
		{RoleParalegal, CapMintShare, false},
		{RoleAuditor, CapReadAudit, true},
		{RoleAuditor, CapIngest, false},
		{Role("intern"), CapReadEvidence, false},
		{RoleShare, CapExport, true},
		{RoleShare, CapReadEvidence, true},
		{RoleShare, CapAppendAudit, false},
		{RoleShare, CapIngest, false},
		{RoleShare, CapMintShare, false},
		{RoleShare, CapRevokeShare, false},
		{RoleShare, CapManageWebhooks, false},
		{RoleShare, CapReadAudit, false},
	}
	for _, c := range cases {
		err := Require(Principal{ID: "u1", Role: c.role}, c.cap)
		if c.ok {
			require.NoError(t, err, "%s/%s", c.role, c.cap)
		} else {
			require.True(t, errors.Is(err, model.ErrForbidden), "%s/%s", c.role, c.cap)
		}
	}
}

func TestRequire_EmptyPrincipal(t *testing.T) {
	require.ErrorIs(t, Require(Principal{Role: RoleAdmin}, CapIngest), model.ErrForbidden)
}

func TestToken_RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()
	raw, err := IssueToken(secret, Principal{ID: "alice", Role: RoleAttorney}, time.Hour, now)
	require.NoError(t, err)

	p, err := ParseToken(secret, raw)
	require.NoError(t, err)
	require.Equal(t, Principal{ID: "alice", Role: RoleAttorney}, p)

	_, err = ParseToken([]byte("other"), raw)
	require.Error(t, err)
}

func TestShare_NotIssuable(t *testing.T) {
	p := Share("share_1")
	require.Equal(t, "share:share_1", p.ID)
	require.True(t, p.Can(CapExport))
	require.False(t, p.Role.Valid())

	_, err := IssueToken([]byte("test-secret"), p, time.Hour, time.Now())
	require.Error(t, err)
}

func TestToken_Expired(t *testing.T) {
	secret := []byte("test-secret")
	raw, err := IssueToken(secret, Principal{ID: "alice", Role: RoleAdmin}, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseToken(secret, raw)
	require.Error(t, err)
}
