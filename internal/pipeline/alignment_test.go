package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

func TestAlignmentMatchesPeopleByEmail(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertContact(context.Background(), model.Contact{
		ID: "c1", Name: "Jordan Rivers", Emails: []string{"jrivers@example.gov"},
	}))
	require.NoError(t, st.UpsertContact(context.Background(), model.Contact{
		ID: "c2", Name: "Nobody Known", Emails: []string{"nobody@example.gov"},
	}))

	fake := newFakeLccnet(t)
	fake.setCollection(peoplePath, map[string]any{
		"id": "p-1", "email": "JRivers@Example.gov", "url": fake.srv.URL + "/people/p-1",
	})

	deps := newTestDeps(t, st)
	withLccnet(t, &deps, fake.srv.URL)
	proc, err := newContactAlignment(deps, Step{ProcessorID: "lccnet_contact_alignment", Kind: KindContactAlignment})
	require.NoError(t, err)

	results, err := proc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, results["people_matched"])
	assert.Equal(t, 1, results["unmatched"])

	contact, err := st.FindContact(context.Background(), "Jordan Rivers", false)
	require.NoError(t, err)
	require.NotNil(t, contact.LccnetRef)
	assert.Equal(t, "p-1", contact.LccnetRef.ID)

	unmatched, err := st.FindContact(context.Background(), "Nobody Known", false)
	require.NoError(t, err)
	assert.Nil(t, unmatched.LccnetRef)
}

func TestAlignmentMatchesOrgsByNormalizedAlias(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertContact(context.Background(), model.Contact{
		ID: "c1", Name: "U.S. Fish and Wildlife Service", IsOrganization: true,
		Aliases: []string{"USFWS"},
	}))

	fake := newFakeLccnet(t)
	// The downstream org spells itself differently; the normalized
	// alias still lines up.
	fake.setCollection(organizationsPath, map[string]any{
		"id": "o-7", "title": "US Fish And Wildlife Service", "url": fake.srv.URL + "/orgs/o-7",
	})

	deps := newTestDeps(t, st)
	withLccnet(t, &deps, fake.srv.URL)
	proc, err := newContactAlignment(deps, Step{ProcessorID: "lccnet_contact_alignment", Kind: KindContactAlignment})
	require.NoError(t, err)

	results, err := proc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, results["orgs_matched"])

	contact, err := st.FindContact(context.Background(), "U.S. Fish and Wildlife Service", true)
	require.NoError(t, err)
	require.NotNil(t, contact.LccnetRef)
	assert.Equal(t, "o-7", contact.LccnetRef.ID)
}

func TestAlignmentRequiresSession(t *testing.T) {
	st := newTestStore(t)
	deps := newTestDeps(t, st)
	_, err := newContactAlignment(deps, Step{Kind: KindContactAlignment})
	require.Error(t, err)
}
