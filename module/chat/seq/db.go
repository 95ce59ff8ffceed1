package seq

import (
	"context"
	"time"

	chatmodel "PPIM/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DAO is the mongo-backed durable counter.
type DAO struct{ DB *mongo.Database }

func NewDAO(db *mongo.Database) *DAO { return &DAO{DB: db} }

func (d *DAO) coll() *mongo.Collection {
	return d.DB.Collection(chatmodel.SeqConversation{}.GetTableName())
}

func (d *DAO) filter(tenant, convID string) bson.M {
	return bson.M{
		chatmodel.SeqConvFieldTenantID:       tenant,
		chatmodel.SeqConvFieldConversationID: convID,
	}
}

// AllocNext atomically bumps issued_seq and returns the new value. The
// single-document update serializes concurrent callers per conversation.
func (d *DAO) AllocNext(ctx context.Context, tenant, convID string) (int64, error) {
	now := time.Now()
	update := bson.M{
		"$inc":         bson.M{chatmodel.SeqConvFieldIssuedSeq: int64(1)},
		"$set":         bson.M{chatmodel.SeqConvFieldUpdateTime: now},
		"$setOnInsert": bson.M{chatmodel.SeqConvFieldCreateTime: now},
	}
	var out struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err := d.coll().FindOneAndUpdate(ctx, d.filter(tenant, convID), update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(bson.M{chatmodel.SeqConvFieldIssuedSeq: 1}),
	).Decode(&out)
	if err != nil {
		return 0, err
	}
	return out.IssuedSeq, nil
}

func (d *DAO) QueryIssued(ctx context.Context, tenant, convID string) (int64, error) {
	var out struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err := d.coll().FindOne(ctx, d.filter(tenant, convID),
		options.FindOne().SetProjection(bson.M{chatmodel.SeqConvFieldIssuedSeq: 1}),
	).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return out.IssuedSeq, nil
}

// RaiseIssuedFloor lifts issued_seq to at least floor ($max never lowers).
func (d *DAO) RaiseIssuedFloor(ctx context.Context, tenant, convID string, floor int64) error {
	now := time.Now()
	_, err := d.coll().UpdateOne(ctx, d.filter(tenant, convID),
		bson.M{
			"$max":         bson.M{chatmodel.SeqConvFieldIssuedSeq: floor},
			"$set":         bson.M{chatmodel.SeqConvFieldUpdateTime: now},
			"$setOnInsert": bson.M{chatmodel.SeqConvFieldCreateTime: now},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// EnsureIndexes creates the unique (tenant, conversation) index.
func (d *DAO) EnsureIndexes(ctx context.Context) error {
	_, err := d.coll().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: chatmodel.SeqConvFieldTenantID, Value: 1},
			{Key: chatmodel.SeqConvFieldConversationID, Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("uniq_tenant_conv"),
	})
	return err
}
