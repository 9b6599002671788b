// Package mongo implements the low-level MongoDB client used by the catalog
// registry.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/nodekit/runtime/catalog"
)

type (
	// Client exposes Mongo-backed operations on the contribution collection.
	Client interface {
		health.Pinger

		// Contributions returns every published contribution, ordered by
		// publisher.
		Contributions(ctx context.Context) ([]catalog.Contribution, error)
		// Publish upserts a contribution keyed by publisher.
		Publish(ctx context.Context, c catalog.Contribution) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	contributionDocument struct {
		ID           bson.ObjectID     `bson:"_id,omitempty"`
		ContractType string            `bson:"contract_type"`
		Version      string            `bson:"version"`
		Publisher    string            `bson:"publisher"`
		Fingerprint  string            `bson:"fingerprint"`
		Signature    string            `bson:"signature"`
		SignerKey    string            `bson:"signer_public_key"`
		Replace      bool              `bson:"replace"`
		Commands     []commandDocument `bson:"commands"`
		UpdatedAt    time.Time         `bson:"updated_at"`
	}

	commandDocument struct {
		ID           string         `bson:"id"`
		Group        string         `bson:"group"`
		DisplayName  string         `bson:"display_name"`
		Description  string         `bson:"description"`
		Visibility   string         `bson:"visibility"`
		Risk         string         `bson:"risk"`
		RequiresHITL bool           `bson:"requires_hitl"`
		Permissions  []string       `bson:"permissions"`
		Parameters   map[string]any `bson:"parameters"`
	}
)

const (
	defaultCollection = "contributions"
	defaultTimeout    = 5 * time.Second
	clientName        = "catalog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Contributions(ctx context.Context) (contribs []catalog.Contribution, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "publisher", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc contributionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		contribs = append(contribs, doc.contribution())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return contribs, nil
}

func (c *client) Publish(ctx context.Context, contrib catalog.Contribution) error {
	if err := contrib.Validate(); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := newDocument(contrib)
	_, err := c.coll.ReplaceOne(ctx,
		bson.M{"publisher": contrib.Publisher},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func newDocument(contrib catalog.Contribution) contributionDocument {
	cmds := make([]commandDocument, len(contrib.Commands))
	for i, cmd := range contrib.Commands {
		cmds[i] = commandDocument{
			ID:           cmd.ID,
			Group:        cmd.Group,
			DisplayName:  cmd.DisplayName,
			Description:  cmd.Description,
			Visibility:   string(cmd.Visibility),
			Risk:         string(cmd.Risk),
			RequiresHITL: cmd.RequiresHITL,
			Permissions:  append([]string(nil), cmd.Permissions...),
			Parameters:   cmd.Parameters,
		}
	}
	return contributionDocument{
		ContractType: contrib.ContractType,
		Version:      contrib.Version,
		Publisher:    contrib.Publisher,
		Fingerprint:  contrib.Fingerprint,
		Signature:    contrib.Signature,
		SignerKey:    contrib.SignerPublicKey,
		Replace:      contrib.Replace,
		Commands:     cmds,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (d contributionDocument) contribution() catalog.Contribution {
	cmds := make([]catalog.Command, len(d.Commands))
	for i, cd := range d.Commands {
		cmds[i] = catalog.Command{
			ID:           cd.ID,
			Group:        cd.Group,
			DisplayName:  cd.DisplayName,
			Description:  cd.Description,
			Visibility:   catalog.Visibility(cd.Visibility),
			Risk:         catalog.Risk(cd.Risk),
			RequiresHITL: cd.RequiresHITL,
			Permissions:  append([]string(nil), cd.Permissions...),
			Parameters:   cd.Parameters,
		}
	}
	return catalog.Contribution{
		ContractType:    d.ContractType,
		Version:         d.Version,
		Publisher:       d.Publisher,
		Fingerprint:     d.Fingerprint,
		Signature:       d.Signature,
		SignerPublicKey: d.SignerKey,
		Replace:         d.Replace,
		Commands:        cmds,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "publisher", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
