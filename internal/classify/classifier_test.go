package classify

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var (
	me    = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	other = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func knownEdges(ids ...string) EdgeChecker {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return EdgeCheckerFunc(func(edgeID string) bool { return set[edgeID] })
}

func TestClassify_NoTagsIsOrigin(t *testing.T) {
	res := Classify(me, knownEdges(), nil)

	assert.Equal(t, KindOrigin, res.Kind)
	assert.Equal(t, ReasonNoTags, res.Reason)
	assert.True(t, res.Ingestible())
}

func TestClassify_UnrelatedPropertiesStillOrigin(t *testing.T) {
	res := Classify(me, knownEdges(), map[string]string{"zoom_link": "https://example.com"})

	assert.Equal(t, KindOrigin, res.Kind)
}

func TestClassify_OwnedEdgeIsManagedOwn(t *testing.T) {
	tags := map[string]string{
		TagCanonicalID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TagOwningUser:  me.String(),
		TagPolicyEdge:  "edge-1",
		TagContentHash: "abc123",
	}

	res := Classify(me, knownEdges("edge-1"), tags)

	assert.Equal(t, KindManagedOwn, res.Kind)
	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", res.CanonicalID)
	assert.Equal(t, "edge-1", res.EdgeID)
	assert.Equal(t, "abc123", res.ContentHash)
	assert.False(t, res.Ingestible())
}

func TestClassify_ForeignOwnerIsManagedForeign(t *testing.T) {
	tags := map[string]string{
		TagCanonicalID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TagOwningUser:  other.String(),
		TagPolicyEdge:  "edge-1",
	}

	// Even if the edge id happens to collide with one of ours, foreign
	// ownership wins.
	res := Classify(me, knownEdges("edge-1"), tags)

	assert.Equal(t, KindManagedForeign, res.Kind)
	assert.Equal(t, ReasonForeignOwner, res.Reason)
	assert.False(t, res.Ingestible())
}

func TestClassify_UnknownEdgeIsOrphan(t *testing.T) {
	tags := map[string]string{
		TagCanonicalID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TagOwningUser:  me.String(),
		TagPolicyEdge:  "edge-deleted",
	}

	res := Classify(me, knownEdges("edge-1"), tags)

	assert.Equal(t, KindManagedOrphan, res.Kind)
	assert.Equal(t, ReasonOrphanEdge, res.Reason)
	assert.True(t, res.Warning)
	assert.False(t, res.Ingestible())
}

func TestClassify_MalformedTagsFailClosed(t *testing.T) {
	cases := map[string]map[string]string{
		"bad owner uuid": {
			TagCanonicalID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			TagOwningUser:  "not-a-uuid",
		},
		"missing canonical id": {
			TagOwningUser: me.String(),
			TagPolicyEdge: "edge-1",
		},
		"hash only": {
			TagContentHash: "abc",
		},
	}

	for name, tags := range cases {
		t.Run(name, func(t *testing.T) {
			res := Classify(me, knownEdges("edge-1"), tags)

			assert.Equal(t, KindManagedForeign, res.Kind)
			assert.Equal(t, ReasonMalformedTags, res.Reason)
			assert.True(t, res.Warning)
			assert.False(t, res.Ingestible())
		})
	}
}

func TestClassify_NilEdgeCheckerTreatsOwnedAsOrphan(t *testing.T) {
	tags := map[string]string{
		TagCanonicalID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TagOwningUser:  me.String(),
		TagPolicyEdge:  "edge-1",
	}

	res := Classify(me, nil, tags)

	assert.Equal(t, KindManagedOrphan, res.Kind)
}
