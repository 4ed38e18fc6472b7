package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var ErrUnavailable = errs.NewCodeError(errs.StoreFailure, "blob store unavailable")

// DBProvider 由 mgo.MongoManager 实现；连接未就绪时返回 false
type DBProvider interface {
	TryGetDB() (*mongo.Database, bool)
}

// Meta 对象元数据
type Meta struct {
	ContentType string    `bson:"contentType" json:"contentType"`
	Owner       string    `bson:"owner" json:"owner"`
	Size        int64     `bson:"-" json:"size"`
	UploadedAt  time.Time `bson:"uploadedAt" json:"uploadedAt"`
}

// GridFSStore 附件存储，对象按路径名存入 GridFS
type GridFSStore struct {
	*Signer
	dbs    DBProvider
	bucket string
	log    *zap.Logger
}

func NewGridFSStore(dbs DBProvider, bucket string, signer *Signer) *GridFSStore {
	if bucket == "" {
		bucket = "attachments"
	}
	return &GridFSStore{Signer: signer, dbs: dbs, bucket: bucket, log: logger.Named("blob")}
}

func (s *GridFSStore) open() (*gridfs.Bucket, error) {
	db, ok := s.dbs.TryGetDB()
	if !ok {
		return nil, ErrUnavailable.Wrap()
	}
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(s.bucket))
	if err != nil {
		return nil, ErrUnavailable.WrapMsg(err.Error())
	}
	return b, nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(time.Minute)
}

// Upload 写入对象，返回写入字节数
func (s *GridFSStore) Upload(ctx context.Context, objectPath string, r io.Reader, meta Meta) (int64, error) {
	b, err := s.open()
	if err != nil {
		return 0, err
	}
	if err := b.SetWriteDeadline(deadline(ctx)); err != nil {
		return 0, err
	}
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = time.Now().UTC()
	}
	cr := &countingReader{r: r}
	opts := options.GridFSUpload().SetMetadata(meta)
	if _, err := b.UploadFromStream(objectPath, cr, opts); err != nil {
		s.log.Warn("[Blob] upload failed", zap.String("path", objectPath), zap.Error(err))
		return 0, errs.ErrStoreFailure.WrapMsg("upload: "+err.Error(), "path", objectPath)
	}
	s.log.Debug("[Blob] uploaded", zap.String("path", objectPath), zap.Int64("size", cr.n))
	return cr.n, nil
}

// Open 打开对象读取流；调用方负责 Close
func (s *GridFSStore) Open(ctx context.Context, objectPath string) (io.ReadCloser, Meta, error) {
	b, err := s.open()
	if err != nil {
		return nil, Meta{}, err
	}
	if err := b.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, Meta{}, err
	}
	ds, err := b.OpenDownloadStreamByName(objectPath)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, Meta{}, errs.ErrNotFound.WrapMsg("object not found", "path", objectPath)
		}
		return nil, Meta{}, errs.ErrStoreFailure.WrapMsg("open: "+err.Error(), "path", objectPath)
	}
	var meta Meta
	f := ds.GetFile()
	if f.Metadata != nil {
		_ = bson.Unmarshal(f.Metadata, &meta)
	}
	meta.Size = f.Length
	return ds, meta, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
