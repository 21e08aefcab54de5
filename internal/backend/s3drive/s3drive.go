// Package s3drive 将 S3 兼容对象存储暴露为 DriveBackend
// token 约定: 文件夹 token 为以 / 结尾的 key 前缀（根目录为空串），文件 token 为对象 key
package s3drive

import (
	"context"
	"strings"
	"sync"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// blockSize 分块上传块大小，S3 要求非末块不小于 5 MiB
const blockSize = 8 * 1024 * 1024

// Drive S3 对象存储后端
type Drive struct {
	logger *zap.Logger

	clientsMu sync.Mutex
	clients   map[string]*s3.Client

	// uploads 在途分块会话已完成分片的 ETag，进程重启后由 ListParts 重建
	uploadsMu sync.Mutex
	uploads   map[string][]types.CompletedPart
}

// New 创建 S3 后端
func New(logger *zap.Logger) *Drive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drive{
		logger:  logger,
		clients: make(map[string]*s3.Client),
		uploads: make(map[string][]types.CompletedPart),
	}
}

// client 按租户凭据缓存 S3 客户端
func (d *Drive) client(ctx context.Context, t *model.Tenant) (*s3.Client, error) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	if c, ok := d.clients[t.ID]; ok {
		return c, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			t.Credentials.AppID, t.Credentials.AppSecret, "")),
		awsconfig.WithRegion(t.Credentials.Region),
	)
	if err != nil {
		return nil, code.Wrap(code.UpstreamPermanent, "load s3 credentials", err)
	}
	c := s3.NewFromConfig(cfg)
	d.clients[t.ID] = c
	return c, nil
}

func bucketOf(t *model.Tenant) string {
	return t.Credentials.Bucket
}

// mapErr 将 SDK 错误映射为稳定类别
func mapErr(label string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return code.Wrap(code.Timeout, label+" timed out", err)
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return code.Wrap(code.NotFound, label+": object not found", err)
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return code.Wrap(code.UpstreamPermanent, label+": bucket does not exist", err)
	}
	type httpStatus interface{ HTTPStatusCode() int }
	var hs httpStatus
	if errors.As(err, &hs) {
		switch sc := hs.HTTPStatusCode(); {
		case sc == 429 || sc == 503:
			return code.Wrap(code.UpstreamRateLimited, label+" throttled", err)
		case sc >= 500:
			return code.Wrap(code.UpstreamTransient, label+" server error", err)
		case sc >= 400:
			return code.Wrap(code.UpstreamPermanent, label+" rejected", err)
		}
	}
	return code.Wrap(code.UpstreamTransient, label+" transport error", err)
}

// folderToken 规范化文件夹前缀
func folderToken(prefix string) string {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func nameOfKey(key string) string {
	key = strings.TrimSuffix(key, "/")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// ListRoot 根目录 token 为空前缀
func (d *Drive) ListRoot(ctx context.Context, t *model.Tenant) (string, []backend.Entry, error) {
	entries, err := d.ListFolder(ctx, t, "")
	if err != nil {
		return "", nil, err
	}
	return "", entries, nil
}

// ListFolder 以 / 为分隔符做单层列举
func (d *Drive) ListFolder(ctx context.Context, t *model.Tenant, token string) ([]backend.Entry, error) {
	c, err := d.client(ctx, t)
	if err != nil {
		return nil, err
	}
	prefix := folderToken(token)

	var entries []backend.Entry
	var continuation *string
	for {
		out, err := c.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucketOf(t)),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, mapErr("list_objects", err)
		}
		for _, p := range out.CommonPrefixes {
			entries = append(entries, backend.Entry{
				Token:       aws.ToString(p.Prefix),
				Name:        nameOfKey(aws.ToString(p.Prefix)),
				Type:        backend.TypeFolder,
				ParentToken: prefix,
			})
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				// 前缀占位对象不作为文件返回
				continue
			}
			e := backend.Entry{
				Token:       key,
				Name:        nameOfKey(key),
				Type:        backend.TypeFile,
				ParentToken: prefix,
				Size:        aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				e.MTime = obj.LastModified.UTC()
			}
			entries = append(entries, e)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return entries, nil
}

// Metadata 查询对象元数据
func (d *Drive) Metadata(ctx context.Context, t *model.Tenant, token string) (backend.Metadata, error) {
	c, err := d.client(ctx, t)
	if err != nil {
		return backend.Metadata{}, err
	}
	out, err := c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucketOf(t)),
		Key:    aws.String(token),
	})
	if err != nil {
		return backend.Metadata{}, mapErr("head_object", err)
	}
	m := backend.Metadata{
		Size:     aws.ToInt64(out.ContentLength),
		Checksum: strings.Trim(aws.ToString(out.ETag), `"`),
	}
	if out.LastModified != nil {
		m.MTime = out.LastModified.UTC()
	}
	return m, nil
}

// CreateFolder 写入前缀占位对象
func (d *Drive) CreateFolder(ctx context.Context, t *model.Tenant, parentToken, name string) (string, error) {
	c, err := d.client(ctx, t)
	if err != nil {
		return "", err
	}
	key := folderToken(parentToken) + name + "/"
	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucketOf(t)),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return "", mapErr("create_folder", err)
	}
	return key, nil
}

// keysUnder 枚举前缀下全部对象 key（含占位对象）
func (d *Drive) keysUnder(ctx context.Context, c *s3.Client, bucket, prefix string) ([]string, error) {
	var keys []string
	var continuation *string
	for {
		out, err := c.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, mapErr("list_objects", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return keys, nil
}

func (d *Drive) copyKey(ctx context.Context, c *s3.Client, bucket, src, dst string) error {
	_, err := c.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(bucket + "/" + src),
		Key:        aws.String(dst),
	})
	return mapErr("copy_object", err)
}

func (d *Drive) deleteKey(ctx context.Context, c *s3.Client, bucket, key string) error {
	_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return mapErr("delete_object", err)
}

// Move 复制后删除，前缀整体迁移
func (d *Drive) Move(ctx context.Context, t *model.Tenant, token, entryType, newParent string) error {
	c, err := d.client(ctx, t)
	if err != nil {
		return err
	}
	bucket := bucketOf(t)
	dstParent := folderToken(newParent)

	if entryType == backend.TypeFolder {
		srcPrefix := folderToken(token)
		dstPrefix := dstParent + nameOfKey(srcPrefix) + "/"
		keys, err := d.keysUnder(ctx, c, bucket, srcPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := d.copyKey(ctx, c, bucket, key, dstPrefix+strings.TrimPrefix(key, srcPrefix)); err != nil {
				return err
			}
		}
		for _, key := range keys {
			if err := d.deleteKey(ctx, c, bucket, key); err != nil {
				return err
			}
		}
		return nil
	}

	dst := dstParent + nameOfKey(token)
	if err := d.copyKey(ctx, c, bucket, token, dst); err != nil {
		return err
	}
	return d.deleteKey(ctx, c, bucket, token)
}

// Copy 复制节点
func (d *Drive) Copy(ctx context.Context, t *model.Tenant, token, entryType, newParent, newName string) (string, error) {
	c, err := d.client(ctx, t)
	if err != nil {
		return "", err
	}
	bucket := bucketOf(t)
	dstParent := folderToken(newParent)

	if entryType == backend.TypeFolder {
		srcPrefix := folderToken(token)
		dstPrefix := dstParent + newName + "/"
		keys, err := d.keysUnder(ctx, c, bucket, srcPrefix)
		if err != nil {
			return "", err
		}
		for _, key := range keys {
			if err := d.copyKey(ctx, c, bucket, key, dstPrefix+strings.TrimPrefix(key, srcPrefix)); err != nil {
				return "", err
			}
		}
		return dstPrefix, nil
	}

	dst := dstParent + newName
	if err := d.copyKey(ctx, c, bucket, token, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Rename 同父目录下的移动
func (d *Drive) Rename(ctx context.Context, t *model.Tenant, token, entryType, newName string) error {
	parent := ""
	trimmed := strings.TrimSuffix(token, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		parent = trimmed[:i+1]
	}
	if _, err := d.Copy(ctx, t, token, entryType, parent, newName); err != nil {
		return err
	}
	return d.Delete(ctx, t, token, entryType)
}

// Delete 删除节点，文件夹按前缀递归删除
func (d *Drive) Delete(ctx context.Context, t *model.Tenant, token, entryType string) error {
	c, err := d.client(ctx, t)
	if err != nil {
		return err
	}
	bucket := bucketOf(t)
	if entryType == backend.TypeFolder {
		keys, err := d.keysUnder(ctx, c, bucket, folderToken(token))
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := d.deleteKey(ctx, c, bucket, key); err != nil {
				return err
			}
		}
		return nil
	}
	return d.deleteKey(ctx, c, bucket, token)
}

// Quota 对象存储无账户级配额
func (d *Drive) Quota(ctx context.Context, t *model.Tenant) (backend.Quota, error) {
	return backend.Quota{}, backend.ErrQuotaUnsupported
}

var _ backend.Backend = (*Drive)(nil)
