// Package mongo stores migration records and key backups in MongoDB.
package mongo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

const (
	RecordsCollection = "migrations"
	BackupsCollection = "backups"

	connectTimeout = 10 * time.Second
)

type backupDoc struct {
	Key   string    `bson:"key"`
	Value string    `bson:"value"`
	Date  time.Time `bson:"date"`
}

// Repository is a consulmigrate.Repository on a mongo database.
type Repository struct {
	client  *mongo.Client
	records *mongo.Collection
	backups *mongo.Collection
	log     *zap.Logger
}

var _ consulmigrate.Repository = (*Repository)(nil)

// Driver opens a Repository from Database.DSN and Database.Name.
type Driver struct{}

func New() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "mongo"
}

func (d *Driver) Open(ctx context.Context, cfg consulmigrate.Config, log *zap.Logger) (consulmigrate.Repository, error) {
	repo, err := Connect(ctx, cfg.DSN(), cfg.Database.Name, log)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Connect dials uri, pings it and creates the indexes.
func Connect(ctx context.Context, uri, database string, log *zap.Logger) (*Repository, error) {
	if database == "" {
		return nil, merrors.New(merrors.EInvalidOperation, "mongo database name is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	r := NewRepository(client, client.Database(database), log)
	if err := r.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return r, nil
}

// NewRepository wraps db. client may be nil when the caller owns the
// connection; Close then does nothing.
func NewRepository(client *mongo.Client, db *mongo.Database, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		client:  client,
		records: db.Collection(RecordsCollection),
		backups: db.Collection(BackupsCollection),
		log:     log,
	}
}

// EnsureIndexes makes names unique and backups ordered by key and date.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create records index: %w", err)
	}
	_, err = r.backups.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "key", Value: 1}, {Key: "date", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create backups index: %w", err)
	}
	return nil
}

func (r *Repository) Save(ctx context.Context, rec *consulmigrate.Record) error {
	_, err := r.records.ReplaceOne(ctx, bson.M{"name": rec.Name}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, name string) (*consulmigrate.Record, error) {
	var rec consulmigrate.Record
	err := r.records.FindOne(ctx, bson.M{"name": name}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, consulmigrate.NotFound("mongo.Get", name)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) list(ctx context.Context, filter bson.M) ([]*consulmigrate.Record, error) {
	cur, err := r.records.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []*consulmigrate.Record
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) GetAll(ctx context.Context) ([]*consulmigrate.Record, error) {
	return r.list(ctx, bson.M{})
}

func (r *Repository) Find(ctx context.Context, status consulmigrate.Status) ([]*consulmigrate.Record, error) {
	return r.list(ctx, bson.M{"status": status})
}

func (r *Repository) FindByAuthor(ctx context.Context, author string) ([]*consulmigrate.Record, error) {
	return r.list(ctx, bson.M{"script_author": author})
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	res, err := r.records.DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return consulmigrate.NotFound("mongo.Delete", name)
	}
	return nil
}

// Backup stores value base64 encoded, like the other drivers.
func (r *Repository) Backup(ctx context.Context, key string, value []byte, at time.Time) error {
	_, err := r.backups.InsertOne(ctx, backupDoc{
		Key:   key,
		Value: base64.StdEncoding.EncodeToString(value),
		Date:  at.UTC(),
	})
	return err
}

func (r *Repository) FindBackups(ctx context.Context, key string) ([]consulmigrate.Backup, error) {
	cur, err := r.backups.Find(ctx, bson.M{"key": key}, options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []backupDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	backups := make([]consulmigrate.Backup, 0, len(docs))
	for _, doc := range docs {
		value, err := base64.StdEncoding.DecodeString(doc.Value)
		if err != nil {
			return nil, merrors.Wrap(merrors.EInternal, "mongo.FindBackups", err)
		}
		backups = append(backups, consulmigrate.Backup{Key: doc.Key, Value: value, Date: doc.Date.UTC()})
	}
	return backups, nil
}

// Restore picks a backup of key. Mongo keeps dates at millisecond
// precision, which SelectBackup accepts.
func (r *Repository) Restore(ctx context.Context, key string, at *time.Time) (consulmigrate.Backup, error) {
	backups, err := r.FindBackups(ctx, key)
	if err != nil {
		return consulmigrate.Backup{}, err
	}
	return consulmigrate.SelectBackup(key, backups, at)
}

func (r *Repository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(context.Background())
}
