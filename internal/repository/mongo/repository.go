package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentvault/internal/domain"
)

// Repository persists torrent records and their child file records in two
// collections. File documents are keyed by (torrentId, index).
type Repository struct {
	torrents *mongo.Collection
	files    *mongo.Collection
	logger   *slog.Logger
	now      func() time.Time
}

type torrentDoc struct {
	ID            string  `bson:"_id"`
	Name          string  `bson:"name"`
	Magnet        string  `bson:"magnet"`
	Size          uint64  `bson:"size"`
	Downloaded    uint64  `bson:"downloaded"`
	Uploaded      uint64  `bson:"uploaded"`
	Progress      float64 `bson:"progress"`
	DownloadSpeed int64   `bson:"downloadSpeed"`
	UploadSpeed   int64   `bson:"uploadSpeed"`
	Peers         int     `bson:"peers"`
	Seeds         int     `bson:"seeds"`
	ETASeconds    int64   `bson:"etaSeconds"`
	Paused        bool    `bson:"paused"`
	Deleted       bool    `bson:"deleted"`
	DeletedAt     int64   `bson:"deletedAt,omitempty"`
	AddedAt       int64   `bson:"addedAt"`
	CompletedAt   int64   `bson:"completedAt,omitempty"`
	UpdatedAt     int64   `bson:"updatedAt"`
}

type fileDoc struct {
	TorrentID string  `bson:"torrentId"`
	Index     int     `bson:"index"`
	Path      string  `bson:"path"`
	Name      string  `bson:"name"`
	Size      uint64  `bson:"size"`
	Progress  float64 `bson:"progress"`
	Selected  bool    `bson:"selected"`
}

func NewRepository(client *mongo.Client, dbName, torrentsCollection, filesCollection string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	db := client.Database(dbName)
	return &Repository{
		torrents: db.Collection(torrentsCollection),
		files:    db.Collection(filesCollection),
		logger:   logger,
		now:      time.Now,
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.torrents == nil {
		return nil
	}
	torrentModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "deleted", Value: 1}, {Key: "paused", Value: 1}, {Key: "progress", Value: 1}}},
		{Keys: bson.D{{Key: "addedAt", Value: -1}}},
		{Keys: bson.D{{Key: "deleted", Value: 1}, {Key: "deletedAt", Value: 1}}},
	}
	if _, err := r.torrents.Indexes().CreateMany(ctx, torrentModels); err != nil {
		return err
	}
	fileModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "torrentId", Value: 1}, {Key: "index", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := r.files.Indexes().CreateOne(ctx, fileModel)
	return err
}

// UpsertTorrent creates the record or refreshes its identity fields. Reusing
// an identifier clears any soft-delete mark. Progress counters are only
// initialised on insert so a re-add never rewinds them.
func (r *Repository) UpsertTorrent(ctx context.Context, t domain.TorrentRecord) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("upsert torrent %q: %w", t.ID, err)
	}
	now := r.now().UTC()
	addedAt := t.AddedAt
	if addedAt.IsZero() {
		addedAt = now
	}

	set := bson.M{
		"magnet":    t.Magnet,
		"paused":    t.Paused,
		"deleted":   false,
		"updatedAt": now.Unix(),
	}
	onInsert := bson.M{
		"addedAt":       addedAt.Unix(),
		"downloaded":    uint64(0),
		"uploaded":      uint64(0),
		"progress":      0.0,
		"downloadSpeed": int64(0),
		"uploadSpeed":   int64(0),
		"peers":         0,
		"seeds":         0,
		"etaSeconds":    domain.ETAUnknown,
	}
	if t.Name != "" {
		set["name"] = t.Name
	} else {
		onInsert["name"] = ""
	}
	if t.Size > 0 {
		set["size"] = t.Size
	} else {
		onInsert["size"] = uint64(0)
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": onInsert,
		"$unset":       bson.M{"deletedAt": ""},
	}
	_, err := r.torrents.UpdateOne(ctx, bson.M{"_id": string(t.ID)}, update, options.Update().SetUpsert(true))
	return err
}

// UpdateProgress applies a sampler delta. Progress and the downloaded counter
// only move forward; the completion stamp is written at most once. An unknown
// identifier is logged and ignored, which absorbs writes racing a delete.
func (r *Repository) UpdateProgress(ctx context.Context, id domain.TorrentID, u domain.ProgressUpdate) error {
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now().UTC()
	}
	set := bson.M{
		"uploaded":      u.Uploaded,
		"downloadSpeed": u.DownloadSpeed,
		"uploadSpeed":   u.UploadSpeed,
		"peers":         u.Peers,
		"seeds":         u.Seeds,
		"etaSeconds":    u.ETASeconds,
		"updatedAt":     updatedAt.Unix(),
	}
	if u.Name != "" {
		set["name"] = u.Name
	}
	if u.Size > 0 {
		set["size"] = u.Size
	}
	update := bson.M{
		"$set": set,
		"$max": bson.M{
			"progress":   u.Progress,
			"downloaded": u.Downloaded,
		},
	}

	res, err := r.torrents.UpdateOne(ctx, bson.M{"_id": string(id)}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		r.logger.Debug("repository: progress update for unknown torrent ignored", slog.String("id", string(id)))
		return nil
	}

	if u.CompletedAt != nil {
		_, err := r.torrents.UpdateOne(ctx,
			bson.M{"_id": string(id), "completedAt": bson.M{"$in": bson.A{int64(0), nil}}},
			bson.M{"$set": bson.M{"completedAt": u.CompletedAt.UTC().Unix()}},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetByIdentifier(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	var doc torrentDoc
	if err := r.torrents.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TorrentRecord{}, domain.ErrNotFound
		}
		return domain.TorrentRecord{}, err
	}
	record := fromDoc(doc)

	files, err := r.loadFiles(ctx, []string{doc.ID})
	if err != nil {
		return domain.TorrentRecord{}, err
	}
	record.Files = files[doc.ID]
	return record, nil
}

// ListAll returns every record that is not soft-deleted, newest first.
// File lists are not loaded.
func (r *Repository) ListAll(ctx context.Context) ([]domain.TorrentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "addedAt", Value: -1}})
	docs, err := r.findTorrents(ctx, bson.M{"deleted": bson.M{"$ne": true}}, opts)
	if err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

// ListActiveIncomplete returns the records restore should bring back: not
// deleted, not paused, not complete. File lists are loaded.
func (r *Repository) ListActiveIncomplete(ctx context.Context) ([]domain.TorrentRecord, error) {
	query := bson.M{
		"deleted":  bson.M{"$ne": true},
		"paused":   bson.M{"$ne": true},
		"progress": bson.M{"$lt": 1.0},
	}
	docs, err := r.findTorrents(ctx, query, options.Find().SetSort(bson.D{{Key: "addedAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	files, err := r.loadFiles(ctx, ids)
	if err != nil {
		return nil, err
	}

	records := fromDocs(docs)
	for i := range records {
		records[i].Files = files[string(records[i].ID)]
	}
	return records, nil
}

// HardDelete removes the torrent record and cascades to its file records.
func (r *Repository) HardDelete(ctx context.Context, id domain.TorrentID) error {
	res, err := r.torrents.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return err
	}
	if _, err := r.files.DeleteMany(ctx, bson.M{"torrentId": string(id)}); err != nil {
		return fmt.Errorf("delete files of %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) SoftDelete(ctx context.Context, id domain.TorrentID) error {
	now := r.now().UTC()
	res, err := r.torrents.UpdateOne(ctx, bson.M{"_id": string(id)}, bson.M{"$set": bson.M{
		"deleted":   true,
		"deletedAt": now.Unix(),
		"updatedAt": now.Unix(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) SetPaused(ctx context.Context, id domain.TorrentID, paused bool) error {
	res, err := r.torrents.UpdateOne(ctx, bson.M{"_id": string(id)}, bson.M{"$set": bson.M{
		"paused":    paused,
		"updatedAt": r.now().UTC().Unix(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReplaceFileSet deletes every file record of the torrent and inserts files,
// so ordinals always mirror the engine's current file order.
func (r *Repository) ReplaceFileSet(ctx context.Context, id domain.TorrentID, files []domain.FileRecord) error {
	if _, err := r.files.DeleteMany(ctx, bson.M{"torrentId": string(id)}); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(files))
	for _, f := range files {
		f.TorrentID = id
		docs = append(docs, toFileDoc(f))
	}
	_, err := r.files.InsertMany(ctx, docs)
	return err
}

// SetFileSelection marks exactly the given ordinals as selected.
func (r *Repository) SetFileSelection(ctx context.Context, id domain.TorrentID, selected []int) error {
	values := bson.A{}
	for _, idx := range selected {
		values = append(values, idx)
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "selected", Value: bson.D{{Key: "$in", Value: bson.A{"$index", values}}}}}}},
	}
	_, err := r.files.UpdateMany(ctx, bson.M{"torrentId": string(id)}, pipeline)
	return err
}

func (r *Repository) UpdateFileProgress(ctx context.Context, id domain.TorrentID, index int, progress float64) error {
	res, err := r.files.UpdateOne(ctx,
		bson.M{"torrentId": string(id), "index": index},
		bson.M{"$set": bson.M{"progress": progress}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PurgeSoftDeletedOlderThan hard-deletes records soft-deleted more than days
// ago and returns how many torrent records were removed.
func (r *Repository) PurgeSoftDeletedOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		days = 0
	}
	cutoff := r.now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	query := bson.M{"deleted": true, "deletedAt": bson.M{"$lte": cutoff}}

	docs, err := r.findTorrents(ctx, query, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}

	res, err := r.torrents.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}, "deleted": true})
	if err != nil {
		return 0, err
	}
	if _, err := r.files.DeleteMany(ctx, bson.M{"torrentId": bson.M{"$in": ids}}); err != nil {
		return res.DeletedCount, err
	}
	return res.DeletedCount, nil
}

func (r *Repository) findTorrents(ctx context.Context, query bson.M, opts ...*options.FindOptions) ([]torrentDoc, error) {
	cursor, err := r.torrents.Find(ctx, query, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []torrentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *Repository) loadFiles(ctx context.Context, ids []string) (map[string][]domain.FileRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "torrentId", Value: 1}, {Key: "index", Value: 1}})
	cursor, err := r.files.Find(ctx, bson.M{"torrentId": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []fileDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return groupFiles(docs), nil
}

func groupFiles(docs []fileDoc) map[string][]domain.FileRecord {
	out := make(map[string][]domain.FileRecord)
	for _, d := range docs {
		out[d.TorrentID] = append(out[d.TorrentID], fromFileDoc(d))
	}
	return out
}

func toDoc(t domain.TorrentRecord) torrentDoc {
	doc := torrentDoc{
		ID:            string(t.ID),
		Name:          t.Name,
		Magnet:        t.Magnet,
		Size:          t.Size,
		Downloaded:    t.Downloaded,
		Uploaded:      t.Uploaded,
		Progress:      clampProgress(t.Progress),
		DownloadSpeed: t.DownloadSpeed,
		UploadSpeed:   t.UploadSpeed,
		Peers:         t.Peers,
		Seeds:         t.Seeds,
		ETASeconds:    t.ETASeconds,
		Paused:        t.Paused,
		Deleted:       t.Deleted,
		AddedAt:       t.AddedAt.Unix(),
		UpdatedAt:     t.UpdatedAt.Unix(),
	}
	if t.DeletedAt != nil {
		doc.DeletedAt = t.DeletedAt.Unix()
	}
	if t.CompletedAt != nil {
		doc.CompletedAt = t.CompletedAt.Unix()
	}
	return doc
}

func fromDoc(doc torrentDoc) domain.TorrentRecord {
	return domain.TorrentRecord{
		ID:            domain.TorrentID(doc.ID),
		Name:          doc.Name,
		Magnet:        doc.Magnet,
		Size:          doc.Size,
		Downloaded:    doc.Downloaded,
		Uploaded:      doc.Uploaded,
		Progress:      clampProgress(doc.Progress),
		DownloadSpeed: doc.DownloadSpeed,
		UploadSpeed:   doc.UploadSpeed,
		Peers:         doc.Peers,
		Seeds:         doc.Seeds,
		ETASeconds:    doc.ETASeconds,
		Paused:        doc.Paused,
		Deleted:       doc.Deleted,
		DeletedAt:     optionalTime(doc.DeletedAt),
		AddedAt:       timeFromUnix(doc.AddedAt),
		CompletedAt:   optionalTime(doc.CompletedAt),
		UpdatedAt:     timeFromUnix(doc.UpdatedAt),
	}
}

func fromDocs(docs []torrentDoc) []domain.TorrentRecord {
	records := make([]domain.TorrentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func toFileDoc(f domain.FileRecord) fileDoc {
	return fileDoc{
		TorrentID: string(f.TorrentID),
		Index:     f.Index,
		Path:      f.Path,
		Name:      f.Name,
		Size:      f.Size,
		Progress:  clampProgress(f.Progress),
		Selected:  f.Selected,
	}
}

func fromFileDoc(d fileDoc) domain.FileRecord {
	return domain.FileRecord{
		TorrentID: domain.TorrentID(d.TorrentID),
		Index:     d.Index,
		Path:      d.Path,
		Name:      d.Name,
		Size:      d.Size,
		Progress:  d.Progress,
		Selected:  d.Selected,
	}
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func optionalTime(value int64) *time.Time {
	if value <= 0 {
		return nil
	}
	t := timeFromUnix(value)
	return &t
}

func clampProgress(p float64) float64 {
	if p != p || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
