// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sophyphreak/stela/internal/storage"
)

// Store implements storage.Store using MongoDB. Attachment and history
// payloads are spilled to GridFS; the collections hold metadata only.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	// Collections
	documents   *mongo.Collection
	histories   *mongo.Collection
	authorities *mongo.Collection
	counters    *mongo.Collection
	exports     *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "payloads"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:      client,
		db:          db,
		gridfs:      bucket,
		documents:   db.Collection("documents"),
		histories:   db.Collection("histories"),
		authorities: db.Collection("authorities"),
		counters:    db.Collection("counters"),
		exports:     db.Collection("exports"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "authority_id", Value: 1}, {Key: "creation", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "last_status", Value: 1}}},
		{Keys: bson.D{{Key: "file_name", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("creating document indexes: %w", err)
	}

	_, err = s.histories.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "date", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating history indexes: %w", err)
	}

	_, err = s.authorities.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "siren", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating authority indexes: %w", err)
	}

	_, err = s.exports.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}}},
		{Keys: bson.D{{Key: "exported_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating export indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// DocumentStore implementation

func (s *Store) CreateDocument(ctx context.Context, doc *storage.Document) error {
	if doc.ID == "" {
		doc.ID = primitive.NewObjectID().Hex()
	}
	if doc.Creation.IsZero() {
		doc.Creation = time.Now()
	}

	if err := s.spillAttachment(doc.Attachment); err != nil {
		return err
	}
	for _, annex := range doc.Annexes {
		if err := s.spillAttachment(annex); err != nil {
			return err
		}
	}

	_, err := s.documents.InsertOne(ctx, doc)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	var doc storage.Document
	err := s.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadAttachment(doc.Attachment); err != nil {
		return nil, err
	}
	for _, annex := range doc.Annexes {
		if err := s.loadAttachment(annex); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

func (s *Store) GetDocumentByFileName(ctx context.Context, fileName string) (*storage.Document, error) {
	var doc storage.Document
	err := s.documents.FindOne(ctx, bson.M{"file_name": fileName}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) UpdateDocument(ctx context.Context, doc *storage.Document) error {
	if err := s.respillAttachment(doc.Attachment); err != nil {
		return err
	}
	for _, annex := range doc.Annexes {
		if err := s.respillAttachment(annex); err != nil {
			return err
		}
	}
	_, err := s.documents.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc)
	return err
}

func (s *Store) ListDocuments(ctx context.Context, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	query := bson.M{}
	if filter != nil {
		if filter.Kind != "" {
			query["kind"] = filter.Kind
		}
		if filter.AuthorityID != "" {
			query["authority_id"] = filter.AuthorityID
		}
		if filter.LastStatus != "" {
			query["last_status"] = filter.LastStatus
		}
		if filter.Since != nil {
			query["creation"] = bson.M{"$gte": *filter.Since}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "creation", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	cursor, err := s.documents.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) ListPendingSignature(ctx context.Context) ([]*storage.Document, error) {
	cursor, err := s.documents.Find(ctx, bson.M{
		"pj":          false,
		"signed":      false,
		"classeur_id": bson.M{"$gt": 0},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) ListBlockedFlux(ctx context.Context) ([]string, error) {
	sent, err := s.histories.Distinct(ctx, "document_id", bson.M{
		"status": bson.M{"$in": []storage.Status{
			storage.StatusSent, storage.StatusResent, storage.StatusManualResent,
		}},
	})
	if err != nil {
		return nil, err
	}

	settled, err := s.histories.Distinct(ctx, "document_id", bson.M{
		"status": bson.M{"$in": []storage.Status{
			storage.StatusAckReceived, storage.StatusNackReceived, storage.StatusMaxRetryReach,
		}},
	})
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(settled))
	for _, id := range settled {
		if v, ok := id.(string); ok {
			done[v] = true
		}
	}

	var blocked []string
	for _, id := range sent {
		if v, ok := id.(string); ok && !done[v] {
			blocked = append(blocked, v)
		}
	}
	return blocked, nil
}

// HistoryStore implementation

func (s *Store) AppendHistory(ctx context.Context, entry *storage.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = primitive.NewObjectID().Hex()
	}
	if entry.Date.IsZero() {
		entry.Date = time.Now()
	}

	seq, err := s.nextCounter(ctx, "history_seq")
	if err != nil {
		return fmt.Errorf("allocating history sequence: %w", err)
	}
	entry.Seq = int64(seq)

	if len(entry.File) > 0 {
		id, err := s.storePayload(entry.FileName, entry.File)
		if err != nil {
			return err
		}
		entry.GridFSID = id
	}

	if _, err := s.histories.InsertOne(ctx, entry); err != nil {
		return err
	}

	if entry.Status.Informational() {
		return nil
	}

	// Refresh the cached view on the document
	_, err = s.documents.UpdateOne(ctx, bson.M{"_id": entry.DocumentID}, bson.M{
		"$set": bson.M{
			"last_status":    entry.Status,
			"last_status_at": entry.Date,
		},
	})
	return err
}

func (s *Store) History(ctx context.Context, documentID string) ([]*storage.HistoryEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := s.histories.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*storage.HistoryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) LatestEntry(ctx context.Context, documentID string) (*storage.HistoryEntry, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "seq", Value: -1}})
	var entry storage.HistoryEntry
	err := s.histories.FindOne(ctx, bson.M{"document_id": documentID}, opts).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) HistoryByStatus(ctx context.Context, documentID string, statuses []storage.Status) ([]*storage.HistoryEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "seq", Value: -1}})
	cursor, err := s.histories.Find(ctx, bson.M{
		"document_id": documentID,
		"status":      bson.M{"$in": statuses},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*storage.HistoryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetHistoryEntry(ctx context.Context, id string) (*storage.HistoryEntry, error) {
	var entry storage.HistoryEntry
	err := s.histories.FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if entry.GridFSID != "" {
		data, err := s.loadPayload(entry.GridFSID)
		if err != nil {
			return nil, err
		}
		entry.File = data
	}
	return &entry, nil
}

// CounterStore implementation

func (s *Store) IncrementCounter(ctx context.Context, day string) (int, error) {
	return s.nextCounter(ctx, "delivery-"+day)
}

// nextCounter atomically increments a named counter, creating it at 1
func (s *Store) nextCounter(ctx context.Context, name string) (int, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc struct {
		Value int `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Value, nil
}

// AuthorityStore implementation

func (s *Store) GetAuthority(ctx context.Context, id string) (*storage.LocalAuthority, error) {
	var authority storage.LocalAuthority
	err := s.authorities.FindOne(ctx, bson.M{"_id": id}).Decode(&authority)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &authority, nil
}

func (s *Store) SaveAuthority(ctx context.Context, authority *storage.LocalAuthority) error {
	if authority.ID == "" {
		authority.ID = primitive.NewObjectID().Hex()
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.authorities.ReplaceOne(ctx, bson.M{"_id": authority.ID}, authority, opts)
	return err
}

// ExportStore implementation

func (s *Store) SaveExport(ctx context.Context, export *storage.DeliveryExport) error {
	if export.ID == "" {
		export.ID = primitive.NewObjectID().Hex()
	}
	if export.ExportedAt.IsZero() {
		export.ExportedAt = time.Now()
	}
	_, err := s.exports.InsertOne(ctx, export)
	return err
}

// GridFS payload handling

func (s *Store) spillAttachment(att *storage.Attachment) error {
	if att == nil || att.GridFSID != "" || len(att.Content) == 0 {
		return nil
	}
	if att.ID == "" {
		att.ID = primitive.NewObjectID().Hex()
	}
	if att.Size == 0 {
		att.Size = int64(len(att.Content))
	}
	id, err := s.storePayload(att.Filename, att.Content)
	if err != nil {
		return err
	}
	att.GridFSID = id
	return nil
}

// respillAttachment persists whatever bytes the attachment currently
// carries. Content replaced after an earlier spill, as when the signing
// circuit returns a signed flux, gets a fresh GridFS file and the
// superseded one is removed so later loads see the new payload.
func (s *Store) respillAttachment(att *storage.Attachment) error {
	if att == nil || len(att.Content) == 0 {
		return nil
	}

	superseded := att.GridFSID
	att.GridFSID = ""
	att.Size = int64(len(att.Content))
	if err := s.spillAttachment(att); err != nil {
		att.GridFSID = superseded
		return err
	}

	if superseded != "" && superseded != att.GridFSID {
		s.deletePayload(superseded)
	}
	return nil
}

func (s *Store) loadAttachment(att *storage.Attachment) error {
	if att == nil || att.GridFSID == "" {
		return nil
	}
	data, err := s.loadPayload(att.GridFSID)
	if err != nil {
		return err
	}
	att.Content = data
	return nil
}

func (s *Store) storePayload(filename string, data []byte) (string, error) {
	uploadStream, err := s.gridfs.OpenUploadStream(filename)
	if err != nil {
		return "", fmt.Errorf("opening upload stream: %w", err)
	}
	defer uploadStream.Close()

	if _, err := uploadStream.Write(data); err != nil {
		return "", fmt.Errorf("writing payload: %w", err)
	}
	return uploadStream.FileID.(primitive.ObjectID).Hex(), nil
}

// deletePayload removes a superseded GridFS file. An orphaned payload
// only wastes space, so failures are not fatal.
func (s *Store) deletePayload(id string) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return
	}
	_ = s.gridfs.Delete(objID)
}

func (s *Store) loadPayload(id string) ([]byte, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid payload ID: %w", err)
	}

	downloadStream, err := s.gridfs.OpenDownloadStream(objID)
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer downloadStream.Close()

	data := make([]byte, downloadStream.GetFile().Length)
	if _, err := downloadStream.Read(data); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return data, nil
}
