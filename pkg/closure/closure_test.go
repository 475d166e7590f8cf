package closure_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotgate/depotgate/pkg/closure"
	"github.com/depotgate/depotgate/pkg/contracts"
)

func artifact(role contracts.ArtifactRole) contracts.ArtifactPointer {
	return contracts.ArtifactPointer{
		ArtifactID: uuid.New(),
		TenantID:   "t1",
		RootTaskID: "task-1",
		Role:       role,
		StagedAt:   time.Now().UTC(),
	}
}

func purged(role contracts.ArtifactRole) contracts.ArtifactPointer {
	a := artifact(role)
	now := time.Now().UTC()
	a.PurgedAt = &now
	return a
}

func TestEvaluate_NoRequirementsIsMet(t *testing.T) {
	res := closure.Evaluate(contracts.DeliverableSpec{ShippingDestination: "out"}, nil)
	assert.True(t, res.AllMet)
	assert.Empty(t, res.Met)
	assert.Empty(t, res.Unmet)
}

func TestEvaluate_ExplicitArtifactIDs(t *testing.T) {
	staged := artifact(contracts.RoleSupporting)
	missing := uuid.New()

	res := closure.Evaluate(contracts.DeliverableSpec{
		ArtifactIDs: []uuid.UUID{staged.ArtifactID, missing},
	}, []contracts.ArtifactPointer{staged})

	assert.False(t, res.AllMet)
	require.Len(t, res.Met, 1)
	require.Len(t, res.Unmet, 1)
	assert.Equal(t, staged.ArtifactID.String(), res.Met[0].Value)
	assert.Equal(t, missing.String(), res.Unmet[0].Value)
	assert.Equal(t, contracts.RequirementArtifactID, res.Unmet[0].Type)
}

func TestEvaluate_RoleRequirementIsExistential(t *testing.T) {
	staged := []contracts.ArtifactPointer{
		artifact(contracts.RoleFinalOutput),
		artifact(contracts.RoleFinalOutput),
	}
	res := closure.Evaluate(contracts.DeliverableSpec{
		Roles: []contracts.ArtifactRole{contracts.RoleFinalOutput, contracts.RolePlan},
	}, staged)

	assert.False(t, res.AllMet)
	require.Len(t, res.Met, 1)
	assert.Equal(t, string(contracts.RoleFinalOutput), res.Met[0].Value)
	require.Len(t, res.Unmet, 1)
	assert.Equal(t, string(contracts.RolePlan), res.Unmet[0].Value)
}

func TestEvaluate_PurgedArtifactsNeverSatisfy(t *testing.T) {
	gone := purged(contracts.RoleFinalOutput)
	res := closure.Evaluate(contracts.DeliverableSpec{
		ArtifactIDs: []uuid.UUID{gone.ArtifactID},
		Roles:       []contracts.ArtifactRole{contracts.RoleFinalOutput},
	}, []contracts.ArtifactPointer{gone})

	assert.False(t, res.AllMet)
	assert.Len(t, res.Unmet, 2)
}

func TestEvaluate_FreeFormRequirements(t *testing.T) {
	byID := artifact(contracts.RolePlan)
	withProducer := artifact(contracts.RoleSupporting)
	withProducer.ProducedByReceiptID = "receipt-for-child-7"

	spec := contracts.DeliverableSpec{
		Requirements: []contracts.ClosureRequirement{
			{Type: contracts.RequirementArtifactID, Value: byID.ArtifactID.String()},
			{Type: contracts.RequirementArtifactRole, Value: string(contracts.RolePlan)},
			{Type: contracts.RequirementChildTask, Value: "child-7"},
			{Type: contracts.RequirementChildTask, Value: "child-8"},
			{Type: contracts.RequirementReceiptPhase, Value: "execution"},
		},
	}
	res := closure.Evaluate(spec, []contracts.ArtifactPointer{byID, withProducer})

	assert.False(t, res.AllMet)
	require.Len(t, res.Unmet, 1)
	assert.Equal(t, "child-8", res.Unmet[0].Value)
	assert.Len(t, res.Met, 4)
}

func TestEvaluate_MalformedArtifactIDRequirementIsUnmet(t *testing.T) {
	res := closure.Evaluate(contracts.DeliverableSpec{
		Requirements: []contracts.ClosureRequirement{
			{Type: contracts.RequirementArtifactID, Value: "not-a-uuid"},
		},
	}, []contracts.ArtifactPointer{artifact(contracts.RoleSupporting)})

	assert.False(t, res.AllMet)
	require.Len(t, res.Unmet, 1)
}

func TestEvaluate_DeterministicOrdering(t *testing.T) {
	a := artifact(contracts.RolePlan)
	b := artifact(contracts.RoleSupporting)
	spec := contracts.DeliverableSpec{
		ArtifactIDs: []uuid.UUID{a.ArtifactID, b.ArtifactID},
		Roles:       []contracts.ArtifactRole{contracts.RolePlan, contracts.RoleSupporting},
		Requirements: []contracts.ClosureRequirement{
			{Type: contracts.RequirementReceiptPhase, Value: "execution"},
		},
	}
	staged := []contracts.ArtifactPointer{a, b}

	first := closure.Evaluate(spec, staged)
	second := closure.Evaluate(spec, staged)

	require.True(t, first.AllMet)
	assert.Equal(t, first.Met, second.Met)
	// ids first, in declaration order, then roles, then free-form
	assert.Equal(t, a.ArtifactID.String(), first.Met[0].Value)
	assert.Equal(t, b.ArtifactID.String(), first.Met[1].Value)
	assert.Equal(t, string(contracts.RolePlan), first.Met[2].Value)
	assert.Equal(t, string(contracts.RoleSupporting), first.Met[3].Value)
	assert.Equal(t, contracts.RequirementReceiptPhase, first.Met[4].Type)
}

func TestEvaluate_RemovingOneArtifactFlipsResult(t *testing.T) {
	plan := artifact(contracts.RolePlan)
	final := artifact(contracts.RoleFinalOutput)
	spec := contracts.DeliverableSpec{
		Roles: []contracts.ArtifactRole{contracts.RolePlan, contracts.RoleFinalOutput},
	}

	full := closure.Evaluate(spec, []contracts.ArtifactPointer{plan, final})
	assert.True(t, full.AllMet)

	partial := closure.Evaluate(spec, []contracts.ArtifactPointer{plan})
	assert.False(t, partial.AllMet)
	require.Len(t, partial.Unmet, 1)
	assert.Equal(t, string(contracts.RoleFinalOutput), partial.Unmet[0].Value)
}
