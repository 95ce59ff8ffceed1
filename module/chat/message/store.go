package message

import (
	"context"
	"time"

	chatmodel "PPIM/module/chat/model"
	errors "PPIM/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned by point reads that miss.
var ErrNotFound = errors.New("message not found")

// FailedInsert pairs a message with the reason it could not be persisted.
type FailedInsert struct {
	Msg *chatmodel.Message
	Err error
}

// BulkResult splits a batch insert into persisted rows, idempotent
// duplicates (already present, skipped) and hard failures.
type BulkResult struct {
	Inserted   []*chatmodel.Message
	Duplicates []*chatmodel.Message
	Failed     []FailedInsert
}

// Store is the durable message store. Production is mongo; tests use the
// in-memory implementation in mem.go.
type Store interface {
	InsertMany(ctx context.Context, msgs []*chatmodel.Message) (*BulkResult, error)
	InsertOne(ctx context.Context, m *chatmodel.Message) error
	IsDuplicateErr(err error) bool

	FindByClientMsgID(ctx context.Context, tenant, clientMsgID string) (*chatmodel.Message, error)
	FindByID(ctx context.Context, tenant, id string) (*chatmodel.Message, error)
	// ListAfterSeq returns messages with seq > afterSeq in ascending seq
	// order, at most limit (0 = unlimited).
	ListAfterSeq(ctx context.Context, tenant, convID string, afterSeq int64, limit int) ([]*chatmodel.Message, error)
	MaxSeq(ctx context.Context, tenant, convID string) (int64, error)
	// Revoke redacts the content of the seq-addressed record and returns
	// the updated message.
	Revoke(ctx context.Context, tenant, convID string, seqID int64) (*chatmodel.Message, error)
}

// DeadLetters is the write-only sink for rows dropped from the live path.
type DeadLetters interface {
	Add(ctx context.Context, dl *chatmodel.DeadLetter) error
}

// ===== mongo implementation =====

type MongoStore struct{ DB *mongo.Database }

func NewMongoStore(db *mongo.Database) *MongoStore { return &MongoStore{DB: db} }

func (s *MongoStore) coll() *mongo.Collection {
	return s.DB.Collection(chatmodel.Message{}.GetTableName())
}

func (s *MongoStore) InsertMany(ctx context.Context, msgs []*chatmodel.Message) (*BulkResult, error) {
	docs := make([]interface{}, len(msgs))
	for i, m := range msgs {
		docs[i] = m
	}
	res := &BulkResult{}
	_, err := s.coll().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		res.Inserted = msgs
		return res, nil
	}

	bwe, ok := err.(mongo.BulkWriteException)
	if !ok {
		// Store-level failure, nothing can be attributed per row.
		return nil, err
	}
	bad := make(map[int]error, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		bad[we.Index] = we
	}
	for i, m := range msgs {
		we, hit := bad[i]
		switch {
		case !hit:
			res.Inserted = append(res.Inserted, m)
		case s.IsDuplicateErr(we):
			res.Duplicates = append(res.Duplicates, m)
		default:
			res.Failed = append(res.Failed, FailedInsert{Msg: m, Err: we})
		}
	}
	return res, nil
}

func (s *MongoStore) InsertOne(ctx context.Context, m *chatmodel.Message) error {
	_, err := s.coll().InsertOne(ctx, m)
	return err
}

func (s *MongoStore) IsDuplicateErr(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func (s *MongoStore) FindByClientMsgID(ctx context.Context, tenant, clientMsgID string) (*chatmodel.Message, error) {
	return s.findOne(ctx, bson.M{
		chatmodel.MsgFieldTenantID:    tenant,
		chatmodel.MsgFieldClientMsgID: clientMsgID,
	})
}

func (s *MongoStore) FindByID(ctx context.Context, tenant, id string) (*chatmodel.Message, error) {
	return s.findOne(ctx, bson.M{
		chatmodel.MsgFieldTenantID: tenant,
		chatmodel.MsgFieldID:       id,
	})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*chatmodel.Message, error) {
	var m chatmodel.Message
	err := s.coll().FindOne(ctx, filter).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) ListAfterSeq(ctx context.Context, tenant, convID string, afterSeq int64, limit int) ([]*chatmodel.Message, error) {
	filter := bson.M{
		chatmodel.MsgFieldTenantID:       tenant,
		chatmodel.MsgFieldConversationID: convID,
		chatmodel.MsgFieldSeq:            bson.M{"$gt": afterSeq},
	}
	opts := options.Find().SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*chatmodel.Message
	for cur.Next(ctx) {
		var m chatmodel.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (s *MongoStore) MaxSeq(ctx context.Context, tenant, convID string) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: -1}}).
		SetProjection(bson.M{chatmodel.MsgFieldSeq: 1})
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.coll().FindOne(ctx, bson.M{
		chatmodel.MsgFieldTenantID:       tenant,
		chatmodel.MsgFieldConversationID: convID,
	}, opts).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (s *MongoStore) Revoke(ctx context.Context, tenant, convID string, seqID int64) (*chatmodel.Message, error) {
	filter := bson.M{
		chatmodel.MsgFieldTenantID:       tenant,
		chatmodel.MsgFieldConversationID: convID,
		chatmodel.MsgFieldSeq:            seqID,
	}
	update := bson.M{"$set": bson.M{
		chatmodel.MsgFieldRevoked: true,
		chatmodel.MsgFieldContent: "",
	}}
	var m chatmodel.Message
	err := s.coll().FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EnsureIndexes creates the ordering and idempotency indexes. The unique
// (tenant, conv, seq) index is what turns a degraded-allocator collision
// into a visible dead letter instead of a silent overwrite.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: chatmodel.MsgFieldTenantID, Value: 1},
				{Key: chatmodel.MsgFieldConversationID, Value: 1},
				{Key: chatmodel.MsgFieldSeq, Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_seq"),
		},
		{
			Keys: bson.D{
				{Key: chatmodel.MsgFieldTenantID, Value: 1},
				{Key: chatmodel.MsgFieldClientMsgID, Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_client_msg_id").
				SetPartialFilterExpression(bson.M{
					chatmodel.MsgFieldClientMsgID: bson.M{"$exists": true},
				}),
		},
	})
	return err
}

// ===== dead letters (mongo) =====

type MongoDeadLetters struct{ DB *mongo.Database }

func NewMongoDeadLetters(db *mongo.Database) *MongoDeadLetters {
	return &MongoDeadLetters{DB: db}
}

func (d *MongoDeadLetters) Add(ctx context.Context, dl *chatmodel.DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	_, err := d.DB.Collection(dl.GetTableName()).InsertOne(ctx, dl)
	return err
}
