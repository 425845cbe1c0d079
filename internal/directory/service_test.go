package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/shared"
)

type memoryDirectory struct {
	beneficiaries map[int64]Beneficiary
	facilities    map[int64]Facility
}

func (m *memoryDirectory) Beneficiary(_ context.Context, id int64) (Beneficiary, error) {
	b, ok := m.beneficiaries[id]
	if !ok {
		return Beneficiary{}, ErrNotFound
	}
	return b, nil
}

func (m *memoryDirectory) Facility(_ context.Context, id int64) (Facility, error) {
	f, ok := m.facilities[id]
	if !ok {
		return Facility{}, ErrNotFound
	}
	return f, nil
}

func (m *memoryDirectory) StaffIDs(context.Context, int64, shared.Role) ([]int64, error) {
	return nil, nil
}

func TestLookupResolvesFacility(t *testing.T) {
	svc := NewService(&memoryDirectory{
		beneficiaries: map[int64]Beneficiary{10: {ID: 10, FacilityID: 1, CaseworkerID: 20}},
		facilities:    map[int64]Facility{1: {ID: 1, Name: "North", DirectorID: 40}},
	})
	rel, err := svc.Lookup(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, int64(40), rel.Facility.DirectorID)

	_, err = svc.Lookup(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAuthorizationChecks(t *testing.T) {
	b := Beneficiary{ID: 10, FacilityID: 1, CaseworkerID: 20}
	f := Facility{ID: 1, DirectorID: 40}

	require.NoError(t, RequireBeneficiary(shared.Actor{ID: 10, Role: shared.RoleBeneficiary}, b, "submit"))
	require.NoError(t, RequireCaseworker(shared.Actor{ID: 20, Role: shared.RoleCaseworker, FacilityID: 1}, b, "review"))
	require.NoError(t, RequireFinance(shared.Actor{ID: 30, Role: shared.RoleFinance, FacilityID: 1}, b.FacilityID, "review"))
	require.NoError(t, RequireDirector(shared.Actor{ID: 40, Role: shared.RoleDirector, FacilityID: 1}, f, "review"))

	err := RequireFinance(shared.Actor{ID: 31, Role: shared.RoleFinance, FacilityID: 2}, b.FacilityID, "review")
	require.ErrorIs(t, err, shared.ErrAuthorization)
	authErr, ok := AsAuthorization(err)
	require.True(t, ok)
	require.Equal(t, shared.RiskCritical, authErr.RiskLevel)

	err = RequireCaseworker(shared.Actor{ID: 30, Role: shared.RoleFinance, FacilityID: 1}, b, "review")
	authErr, ok = AsAuthorization(err)
	require.True(t, ok)
	require.Equal(t, shared.RiskHigh, authErr.RiskLevel)

	rel := Relationship{Beneficiary: b, Facility: f}
	require.NoError(t, RequireViewer(shared.Actor{ID: 40, Role: shared.RoleDirector}, rel, "view"))
	require.Error(t, RequireViewer(shared.Actor{ID: 11, Role: shared.RoleBeneficiary}, rel, "view"))
}
