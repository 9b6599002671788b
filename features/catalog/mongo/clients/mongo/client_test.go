package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/nodekit/runtime/catalog"
)

type fakeCollection struct {
	docs       []contributionDocument
	findErr    error
	replaced   []contributionDocument
	replaceErr error
	filters    []any
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.filters = append(f.filters, filter)
	return &fakeCursor{docs: f.docs}, nil
}

func (f *fakeCollection) ReplaceOne(_ context.Context, filter any, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	if f.replaceErr != nil {
		return nil, f.replaceErr
	}
	f.filters = append(f.filters, filter)
	f.replaced = append(f.replaced, replacement.(contributionDocument))
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "publisher_1", nil
}

type fakeCursor struct {
	docs []contributionDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	*(val.(*contributionDocument)) = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func testContribution(publisher string) catalog.Contribution {
	return catalog.Contribution{
		ContractType: catalog.ContractType,
		Version:      "1.0.0",
		Publisher:    publisher,
		Fingerprint:  "fp",
		Signature:    "sig",
		Commands: []catalog.Command{
			{
				ID:          "ops.restart",
				Group:       "ops",
				DisplayName: "Restart",
				Visibility:  catalog.VisibilityPublic,
				Risk:        catalog.RiskLow,
				Permissions: []string{"admin"},
			},
		},
	}
}

func TestContributionsRoundTrip(t *testing.T) {
	coll := &fakeCollection{docs: []contributionDocument{newDocument(testContribution("acme"))}}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	contribs, err := c.Contributions(context.Background())
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.Equal(t, "acme", contribs[0].Publisher)
	require.Len(t, contribs[0].Commands, 1)
	assert.Equal(t, "ops.restart", contribs[0].Commands[0].ID)
	assert.Equal(t, catalog.VisibilityPublic, contribs[0].Commands[0].Visibility)
	assert.Equal(t, []string{"admin"}, contribs[0].Commands[0].Permissions)
}

func TestContributionsFindError(t *testing.T) {
	coll := &fakeCollection{findErr: errors.New("down")}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	_, err = c.Contributions(context.Background())
	assert.Error(t, err)
}

func TestPublishUpsertsByPublisher(t *testing.T) {
	coll := &fakeCollection{}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), testContribution("acme")))
	require.Len(t, coll.replaced, 1)
	assert.Equal(t, "acme", coll.replaced[0].Publisher)
	assert.False(t, coll.replaced[0].UpdatedAt.IsZero())
	require.Len(t, coll.filters, 1)
	assert.Equal(t, bson.M{"publisher": "acme"}, coll.filters[0])
}

func TestPublishRejectsInvalidContribution(t *testing.T) {
	coll := &fakeCollection{}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	bad := testContribution("acme")
	bad.ContractType = "bogus"
	assert.Error(t, c.Publish(context.Background(), bad))
	assert.Empty(t, coll.replaced)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{Database: "nodekit"})
	assert.Error(t, err)
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Options{Client: &mongodriver.Client{}})
	assert.Error(t, err)
}
