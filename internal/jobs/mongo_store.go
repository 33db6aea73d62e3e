package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// TemplateCollection はテンプレートのジョブレコードを保持するコレクション名です。
const TemplateCollection = "templates"

// templateDocument は templates コレクションのドキュメントのうちワーカーが扱うフィールドです。
// _id は ObjectID と文字列のどちらも受け付けます。
type templateDocument struct {
	ID         any       `bson:"_id"`
	Status     string    `bson:"status"`
	ZipS3Key   string    `bson:"zip_s3_key"`
	PreviewURL string    `bson:"preview_url,omitempty"`
	UpdatedAt  time.Time `bson:"updated_at,omitempty"`
}

func (d *templateDocument) record() *Record {
	return &Record{
		JobID:     formatDocumentID(d.ID),
		Status:    Status(d.Status),
		SourceKey: d.ZipS3Key,
		ResultURL: d.PreviewURL,
		UpdatedAt: d.UpdatedAt,
	}
}

// MongoStore は MongoDB の templates コレクションを StatusStore として扱います。
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore は MongoStore を作成します。
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(TemplateCollection)}
}

// Get はジョブ情報を取得します。
func (s *MongoStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var doc templateDocument
	err := s.coll.FindOne(ctx, idFilter(jobID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("mongo find %s: %w", jobID, err)
	}
	return doc.record(), nil
}

// Update はジョブ情報を更新します。
func (s *MongoStore) Update(ctx context.Context, jobID string, update Update) error {
	if err := update.validate(); err != nil {
		return err
	}
	set := bson.M{
		"status":     string(update.Status),
		"updated_at": time.Now().UTC(),
	}
	change := bson.M{"$set": set}
	if update.ResultURL != "" {
		set["preview_url"] = update.ResultURL
	} else {
		change["$unset"] = bson.M{"preview_url": ""}
	}

	filter := idFilter(jobID)
	if update.From != "" {
		filter["status"] = string(update.From)
	}
	res, err := s.coll.UpdateOne(ctx, filter, change)
	if err != nil {
		return fmt.Errorf("mongo update %s: %w", jobID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if update.From == "" {
		return ErrJobNotFound
	}
	n, err := s.coll.CountDocuments(ctx, idFilter(jobID))
	if err != nil {
		return fmt.Errorf("mongo count %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return fmt.Errorf("%w: %s is no longer %s", ErrStatusConflict, jobID, update.From)
}

// Scan は指定状態のドキュメントをカーソルで順に返します。
func (s *MongoStore) Scan(ctx context.Context, status Status) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		cursor, err := s.coll.Find(ctx, bson.M{"status": string(status)})
		if err != nil {
			yield(nil, fmt.Errorf("mongo find status=%s: %w", status, err))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc templateDocument
			if err := cursor.Decode(&doc); err != nil {
				if !yield(nil, fmt.Errorf("%w: mongo decode %v: %v", ErrCorruptRecord, cursor.Current.Lookup("_id"), err)) {
					return
				}
				continue
			}
			if !yield(doc.record(), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// idFilter は16進24桁のIDを ObjectID として、それ以外を文字列IDとして検索します。
func idFilter(jobID string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(jobID); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": jobID}
}

func formatDocumentID(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
