package member

import (
	"context"
	"sync"

	chatmodel "PPIM/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Provider resolves conversation membership. The records themselves are
// owned by the conversation-management layer; delivery only reads them.
type Provider interface {
	// MemberIDs lists the user ids of a conversation.
	MemberIDs(ctx context.Context, tenant, convID string) ([]string, error)
	// ConversationIDs lists the conversations a user belongs to, used for
	// auto-join on connect.
	ConversationIDs(ctx context.Context, tenant, user string) ([]string, error)
	// Conversation returns the summary the push hook needs; nil when the
	// conversation has no summary record.
	Conversation(ctx context.Context, tenant, convID string) (*chatmodel.Conversation, error)
}

type MongoProvider struct{ DB *mongo.Database }

func NewMongoProvider(db *mongo.Database) *MongoProvider { return &MongoProvider{DB: db} }

func (p *MongoProvider) coll() *mongo.Collection {
	return p.DB.Collection(chatmodel.ConversationMember{}.GetTableName())
}

func (p *MongoProvider) MemberIDs(ctx context.Context, tenant, convID string) ([]string, error) {
	cur, err := p.coll().Find(ctx, bson.M{
		chatmodel.MemberFieldTenantID:       tenant,
		chatmodel.MemberFieldConversationID: convID,
	}, options.Find().SetProjection(bson.M{chatmodel.MemberFieldUserID: 1}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var m chatmodel.ConversationMember
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m.UserID)
	}
	return out, cur.Err()
}

func (p *MongoProvider) ConversationIDs(ctx context.Context, tenant, user string) ([]string, error) {
	cur, err := p.coll().Find(ctx, bson.M{
		chatmodel.MemberFieldTenantID: tenant,
		chatmodel.MemberFieldUserID:   user,
	}, options.Find().SetProjection(bson.M{chatmodel.MemberFieldConversationID: 1}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var m chatmodel.ConversationMember
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m.ConversationID)
	}
	return out, cur.Err()
}

func (p *MongoProvider) Conversation(ctx context.Context, tenant, convID string) (*chatmodel.Conversation, error) {
	var c chatmodel.Conversation
	err := p.DB.Collection(c.GetTableName()).FindOne(ctx, bson.M{
		chatmodel.MemberFieldTenantID:       tenant,
		chatmodel.MemberFieldConversationID: convID,
	}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MemProvider is the in-memory implementation for tests and local runs.
type MemProvider struct {
	mu     sync.Mutex
	byConv map[string][]string
	byUser map[string][]string
	convs  map[string]*chatmodel.Conversation
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		byConv: make(map[string][]string),
		byUser: make(map[string][]string),
		convs:  make(map[string]*chatmodel.Conversation),
	}
}

// SetConversation registers a summary record.
func (p *MemProvider) SetConversation(c *chatmodel.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convs[c.TenantID+"|"+c.ConversationID] = c
}

func (p *MemProvider) Conversation(_ context.Context, tenant, convID string) (*chatmodel.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convs[tenant+"|"+convID], nil
}

func (p *MemProvider) Add(tenant, convID, user string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ck := tenant + "|" + convID
	uk := tenant + "|" + user
	p.byConv[ck] = append(p.byConv[ck], user)
	p.byUser[uk] = append(p.byUser[uk], convID)
}

func (p *MemProvider) MemberIDs(_ context.Context, tenant, convID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.byConv[tenant+"|"+convID]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

func (p *MemProvider) ConversationIDs(_ context.Context, tenant, user string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.byUser[tenant+"|"+user]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}
