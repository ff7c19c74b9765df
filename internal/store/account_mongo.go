package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/baseapp/apiserver/types"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	accountsCollection  = "users"
	bootstrapCollection = "bootstrap"
	adminBootstrapID    = "admin"
)

// MongoAccountRepository stores accounts in a MongoDB collection.
type MongoAccountRepository struct {
	accounts  *mongo.Collection
	bootstrap *mongo.Collection
	now       func() time.Time
}

func NewMongoAccountRepository(db *mongo.Database) *MongoAccountRepository {
	return &MongoAccountRepository{
		accounts:  db.Collection(accountsCollection),
		bootstrap: db.Collection(bootstrapCollection),
		now:       time.Now,
	}
}

// EnsureIndexes creates the unique and lookup indexes the repository relies on.
func (m *MongoAccountRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("username_unique"),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_unique"),
		},
		{
			Keys:    bson.D{{Key: "verification_token", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("verification_token_idx"),
		},
		{
			Keys:    bson.D{{Key: "reset_token", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("reset_token_idx"),
		},
	})
	return err
}

func (m *MongoAccountRepository) findOne(ctx context.Context, filter bson.M) (types.Account, error) {
	var account types.Account
	err := m.accounts.FindOne(ctx, filter).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Account{}, ErrNotFound
	}
	if err != nil {
		return types.Account{}, err
	}
	return account, nil
}

func (m *MongoAccountRepository) GetByID(ctx context.Context, id string) (types.Account, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *MongoAccountRepository) GetByUsername(ctx context.Context, username string) (types.Account, error) {
	return m.findOne(ctx, bson.M{"username": username})
}

func (m *MongoAccountRepository) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	return m.findOne(ctx, bson.M{"email": email})
}

func (m *MongoAccountRepository) GetByVerificationToken(ctx context.Context, token string) (types.Account, error) {
	return m.findOne(ctx, bson.M{"verification_token": token})
}

func (m *MongoAccountRepository) GetByResetToken(ctx context.Context, token string) (types.Account, error) {
	return m.findOne(ctx, bson.M{"reset_token": token})
}

func (m *MongoAccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	now := m.now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	if _, err := m.accounts.InsertOne(ctx, account); err != nil {
		return types.Account{}, mapMongoWriteError(err)
	}
	return account, nil
}

// UpdateProfile sets the non-nil fields of changes.
func (m *MongoAccountRepository) UpdateProfile(ctx context.Context, id string, changes types.ProfileChanges) (types.Account, error) {
	set := bson.M{"updated_at": m.now().UTC()}
	if changes.Username != nil {
		set["username"] = *changes.Username
	}
	if changes.Email != nil {
		set["email"] = *changes.Email
	}
	if changes.Bio != nil {
		set["bio"] = *changes.Bio
	}
	account, err := m.findOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return types.Account{}, mapMongoWriteError(err)
	}
	return account, nil
}

// SetPassword replaces the hash only while the stored hash equals currentHash.
func (m *MongoAccountRepository) SetPassword(ctx context.Context, id, currentHash, newHash string) error {
	result, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": id, "password_hash": currentHash},
		bson.M{"$set": bson.M{"password_hash": newHash, "updated_at": m.now().UTC()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoAccountRepository) SetResetToken(ctx context.Context, id, token string, expiry time.Time) error {
	result, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"reset_token": token, "reset_expiry": expiry.UTC(), "updated_at": m.now().UTC()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoAccountRepository) SetAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	return m.findOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"avatar": avatarURL, "updated_at": m.now().UTC()}},
	)
}

// SetDefaultAvatar stores avatarURL only if the account has no avatar yet.
func (m *MongoAccountRepository) SetDefaultAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": id, "avatar": bson.M{"$in": bson.A{"", nil}}},
		bson.M{"$set": bson.M{"avatar": avatarURL, "updated_at": m.now().UTC()}},
	)
	if err != nil {
		return types.Account{}, err
	}
	return m.GetByID(ctx, id)
}

func (m *MongoAccountRepository) findOneAndUpdate(ctx context.Context, filter, update bson.M) (types.Account, error) {
	var account types.Account
	err := m.accounts.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Account{}, ErrNotFound
	}
	if err != nil {
		return types.Account{}, err
	}
	return account, nil
}

// MarkVerified consumes the verification token and, for the first account to
// get here, claims the admin bootstrap marker. The marker has a fixed _id, so
// only one insert can ever succeed. The claim is made before the account is
// touched and verification and promotion are a single write; a marker left
// behind by a failed write names this account, so retrying the link
// completes the promotion.
func (m *MongoAccountRepository) MarkVerified(ctx context.Context, id, token string) (types.Account, error) {
	now := m.now().UTC()
	pending := bson.M{"_id": id, "verification_token": token, "verified": false}

	if err := m.accounts.FindOne(ctx, pending).Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}

	claimed, err := m.claimAdmin(ctx, id, now)
	if err != nil {
		return types.Account{}, err
	}

	set := bson.M{"verified": true, "updated_at": now}
	if claimed {
		set["role"] = types.RoleAdmin
	}
	account, err := m.findOneAndUpdate(ctx, pending, bson.M{
		"$set":   set,
		"$unset": bson.M{"verification_token": ""},
	})
	if err == nil {
		return account, nil
	}
	if claimed && errors.Is(err, ErrNotFound) {
		m.releaseAdmin(ctx, id)
	}
	return types.Account{}, err
}

// claimAdmin reports whether id holds the bootstrap marker, inserting it if
// nobody does yet.
func (m *MongoAccountRepository) claimAdmin(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := m.bootstrap.InsertOne(ctx, bson.M{
		"_id":        adminBootstrapID,
		"account_id": id,
		"claimed_at": now,
	})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, err
	}
	var marker struct {
		AccountID string `bson:"account_id"`
	}
	if err := m.bootstrap.FindOne(ctx, bson.M{"_id": adminBootstrapID}).Decode(&marker); err != nil {
		return false, err
	}
	return marker.AccountID == id, nil
}

// releaseAdmin gives the marker back when the token was consumed by a
// concurrent request that did not verify this account.
func (m *MongoAccountRepository) releaseAdmin(ctx context.Context, id string) {
	account, err := m.GetByID(ctx, id)
	if err == nil && account.Verified {
		return
	}
	_, _ = m.bootstrap.DeleteOne(ctx, bson.M{"_id": adminBootstrapID, "account_id": id})
}

func (m *MongoAccountRepository) ConsumeResetToken(ctx context.Context, id, token, passwordHash string, now time.Time) (types.Account, error) {
	return m.findOneAndUpdate(ctx,
		bson.M{"_id": id, "reset_token": token, "reset_expiry": bson.M{"$gt": now.UTC()}},
		bson.M{
			"$set":   bson.M{"password_hash": passwordHash, "updated_at": now.UTC()},
			"$unset": bson.M{"reset_token": "", "reset_expiry": ""},
		},
	)
}

func (m *MongoAccountRepository) Delete(ctx context.Context, id string) error {
	result, err := m.accounts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoAccountRepository) DeleteUnverified(ctx context.Context) (int64, error) {
	result, err := m.accounts.DeleteMany(ctx, bson.M{"verified": false})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (m *MongoAccountRepository) List(ctx context.Context, filter types.AccountFilter, offset, limit int) ([]types.Account, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 10
	}

	query := bson.M{}
	if filter.UnverifiedOnly {
		query["verified"] = false
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(search), "$options": "i"}
		query["$or"] = bson.A{
			bson.M{"username": pattern},
			bson.M{"email": pattern},
		}
	}

	total, err := m.accounts.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := m.accounts.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	accounts := make([]types.Account, 0, limit)
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, 0, err
	}
	return accounts, int(total), nil
}

func mapMongoWriteError(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "username"):
		return &DuplicateError{Field: "username"}
	case strings.Contains(msg, "email"):
		return &DuplicateError{Field: "email"}
	default:
		return &DuplicateError{}
	}
}
