package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// schemaSampleSize is the number of documents sampled per collection to infer
// the materialized column set.
const schemaSampleSize = 100

// mongoConnector pulls collections from MongoDB with a batched cursor and
// flattens top-level document fields into columns. Connection details: uri,
// database, and optionally updated_at_field for incremental watermarking.
type mongoConnector struct {
	store  store.Store
	logger *zap.Logger
}

// NewMongoDBConnector creates the MongoDB connector.
func NewMongoDBConnector(s store.Store, logger *zap.Logger) Connector {
	return &mongoConnector{store: s, logger: logger.Named("connector.mongodb")}
}

var _ Connector = (*mongoConnector)(nil)

func (c *mongoConnector) Type() string { return models.SourceTypeMongoDB }

func (c *mongoConnector) connect(ctx context.Context, details map[string]any) (*mongo.Client, error) {
	uri := stringDetail(details, "uri", "")
	if uri == "" {
		uri = fmt.Sprintf("mongodb://%s:%s", stringDetail(details, "host", "localhost"), stringDetail(details, "port", "27017"))
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &apperrors.AuthError{Provider: c.Type(), Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &apperrors.AuthError{Provider: c.Type(), Err: err}
	}
	return client, nil
}

func (c *mongoConnector) Authenticate(ctx context.Context, details map[string]any) error {
	client, err := c.connect(ctx, details)
	if err != nil {
		return err
	}
	return client.Disconnect(ctx)
}

func (c *mongoConnector) GetSchema(ctx context.Context, details map[string]any) ([]TableSchema, error) {
	client, err := c.connect(ctx, details)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(ctx) //nolint:errcheck

	db := client.Database(stringDetail(details, "database", ""))
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}
	sort.Strings(names)

	var schemas []TableSchema
	for _, name := range names {
		columns, err := c.sampleColumns(ctx, db.Collection(name))
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, TableSchema{Name: name, Columns: columns})
	}
	return schemas, nil
}

// sampleColumns infers the column set from the first documents of a
// collection. Fields absent from the sample are not materialized.
func (c *mongoConnector) sampleColumns(ctx context.Context, coll *mongo.Collection) ([]store.ColumnDef, error) {
	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(schemaSampleSize))
	if err != nil {
		return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}
	defer cursor.Close(ctx)

	seen := make(map[string]string)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, &apperrors.SchemaError{Source: c.Type(), Detail: err.Error()}
		}
		for key, value := range doc {
			if _, ok := seen[key]; !ok {
				seen[key] = mongoColumnType(value)
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	columns := make([]store.ColumnDef, len(keys))
	for i, k := range keys {
		columns[i] = store.ColumnDef{Name: k, Type: seen[k]}
	}
	return columns, nil
}

func (c *mongoConnector) SupportsIncremental(details map[string]any) bool {
	return stringDetail(details, "updated_at_field", "") != ""
}

func (c *mongoConnector) SyncToDatabase(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	details := req.DataSource.ConnectionDetails

	client, err := c.connect(ctx, details)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(ctx) //nolint:errcheck

	db := client.Database(stringDetail(details, "database", ""))
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, &apperrors.FetchError{Source: c.Type(), Err: err}
	}
	if len(names) == 0 {
		return nil, &apperrors.SchemaError{Source: c.Type(), Detail: "database has no collections"}
	}
	sort.Strings(names)

	watermarkField := stringDetail(details, "updated_at_field", "")
	incremental := req.Incremental && watermarkField != "" && req.Since != nil

	result := &SyncResult{}
	taken := make(map[string]bool)

	for _, name := range names {
		coll := db.Collection(name)
		columns, err := c.sampleColumns(ctx, coll)
		if err != nil {
			return result, err
		}
		if len(columns) == 0 {
			continue
		}

		logical := metadata.Deduplicate(metadata.LogicalName(name), taken)
		physical := metadata.PhysicalName(req.DataSource.ID, logical)

		w := newTableWriter(c.store, req, physical, columns, c.logger)

		// A mid-collection failure still reports what earlier ones committed.
		abort := func(err error) (*SyncResult, error) {
			result.RecordsSynced += w.synced
			result.RecordsFailed += w.failed
			return result, err
		}

		if err := w.begin(ctx, !incremental); err != nil {
			return abort(err)
		}

		filter := bson.D{}
		if incremental {
			filter = bson.D{{Key: watermarkField, Value: bson.D{{Key: "$gt", Value: *req.Since}}}}
		}

		batchSize := int32(req.BatchSize)
		if batchSize < 1 {
			batchSize = 1000
		}
		cursor, err := coll.Find(ctx, filter, options.Find().SetBatchSize(batchSize))
		if err != nil {
			return abort(&apperrors.FetchError{Source: c.Type(), Err: err})
		}

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return abort(&apperrors.SchemaError{Source: c.Type(), Detail: err.Error()})
			}
			row := make([]any, len(columns))
			for i, col := range columns {
				row[i] = mongoValue(doc[col.Name])
			}
			if err := w.add(ctx, row); err != nil {
				cursor.Close(ctx)
				return abort(err)
			}
		}
		if err := cursor.Err(); err != nil {
			cursor.Close(ctx)
			return abort(&apperrors.FetchError{Source: c.Type(), Err: err})
		}
		cursor.Close(ctx)

		if err := w.flush(ctx); err != nil {
			return abort(err)
		}

		result.RecordsSynced += w.synced
		result.RecordsFailed += w.failed
		result.Tables = append(result.Tables, SyncedTable{
			PhysicalName: physical,
			LogicalName:  logical,
			TableType:    models.TableTypeTable,
			Columns:      columns,
		})
	}

	return result, nil
}

func mongoColumnType(value any) string {
	switch value.(type) {
	case int32, int64, int:
		return "BIGINT"
	case float64, primitive.Decimal128:
		return "DOUBLE PRECISION"
	case bool:
		return "BOOLEAN"
	case primitive.DateTime, time.Time:
		return "TIMESTAMPTZ"
	case bson.M, bson.D, bson.A:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// mongoValue converts a BSON value into something the unified store accepts.
// Nested structures are serialized as JSON text.
func mongoValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time()
	case primitive.Decimal128:
		return v.String()
	case bson.M, bson.D, bson.A:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return v
	}
}
