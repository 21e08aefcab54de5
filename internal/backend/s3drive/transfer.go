package s3drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// uploadID 编码为 "key\n<multipart-upload-id>"，跨进程可还原
func encodeUploadID(key, id string) string {
	return key + "\n" + id
}

func decodeUploadID(uploadID string) (key, id string, err error) {
	i := strings.IndexByte(uploadID, '\n')
	if i < 0 {
		return "", "", code.Newf(code.InvalidArgument, "malformed upload id %q", uploadID)
	}
	return uploadID[:i], uploadID[i+1:], nil
}

// UploadInit 开启分块上传
func (d *Drive) UploadInit(ctx context.Context, t *model.Tenant, parentToken, fileName string, size int64) (backend.UploadSession, error) {
	c, err := d.client(ctx, t)
	if err != nil {
		return backend.UploadSession{}, err
	}
	key := folderToken(parentToken) + fileName
	out, err := c.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucketOf(t)),
		Key:    aws.String(key),
	})
	if err != nil {
		return backend.UploadSession{}, mapErr("create_multipart_upload", err)
	}
	return backend.UploadSession{
		UploadID:  encodeUploadID(key, aws.ToString(out.UploadId)),
		BlockSize: blockSize,
	}, nil
}

// UploadBlock 上传第 seq 块，PartNumber 从 1 起
// 同一 (uploadID, seq) 重传覆盖同一分片，满足幂等要求
func (d *Drive) UploadBlock(ctx context.Context, t *model.Tenant, uploadID string, seq int64, data []byte) error {
	key, id, err := decodeUploadID(uploadID)
	if err != nil {
		return err
	}
	c, err := d.client(ctx, t)
	if err != nil {
		return err
	}
	out, err := c.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucketOf(t)),
		Key:        aws.String(key),
		UploadId:   aws.String(id),
		PartNumber: aws.Int32(int32(seq) + 1),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return mapErr("upload_part", err)
	}

	d.uploadsMu.Lock()
	parts := d.uploads[uploadID]
	parts = append(parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(int32(seq) + 1),
	})
	d.uploads[uploadID] = parts
	d.uploadsMu.Unlock()
	return nil
}

// UploadFinish 结束分块上传
// 进程重启后缓存的 ETag 丢失，通过 ListParts 重建完成清单
func (d *Drive) UploadFinish(ctx context.Context, t *model.Tenant, uploadID string, blockCount int64) (string, error) {
	key, id, err := decodeUploadID(uploadID)
	if err != nil {
		return "", err
	}
	c, err := d.client(ctx, t)
	if err != nil {
		return "", err
	}
	bucket := bucketOf(t)

	if blockCount == 0 {
		// 空文件没有分片可完成，放弃会话改为直接写空对象
		_, _ = c.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(bucket), Key: aws.String(key), UploadId: aws.String(id),
		})
		if _, err := c.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket), Key: aws.String(key), Body: strings.NewReader(""),
		}); err != nil {
			return "", mapErr("put_object", err)
		}
		return key, nil
	}

	d.uploadsMu.Lock()
	parts := d.uploads[uploadID]
	d.uploadsMu.Unlock()

	if int64(len(parts)) < blockCount {
		listed, err := c.ListParts(ctx, &s3.ListPartsInput{
			Bucket: aws.String(bucket), Key: aws.String(key), UploadId: aws.String(id),
		})
		if err != nil {
			return "", mapErr("list_parts", err)
		}
		parts = parts[:0]
		for _, p := range listed.Parts {
			parts = append(parts, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
		}
	}

	// 去重并按分片号排序
	byNumber := make(map[int32]types.CompletedPart, len(parts))
	for _, p := range parts {
		byNumber[aws.ToInt32(p.PartNumber)] = p
	}
	final := make([]types.CompletedPart, 0, len(byNumber))
	for _, p := range byNumber {
		final = append(final, p)
	}
	sort.Slice(final, func(i, j int) bool {
		return aws.ToInt32(final[i].PartNumber) < aws.ToInt32(final[j].PartNumber)
	})
	if int64(len(final)) != blockCount {
		return "", code.Newf(code.UpstreamPermanent,
			"multipart upload incomplete: have %d parts, want %d", len(final), blockCount)
	}

	_, err = c.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(id),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: final,
		},
	})
	if err != nil {
		return "", mapErr("complete_multipart_upload", err)
	}

	d.uploadsMu.Lock()
	delete(d.uploads, uploadID)
	d.uploadsMu.Unlock()
	return key, nil
}

// UploadAbort 放弃会话
func (d *Drive) UploadAbort(ctx context.Context, t *model.Tenant, uploadID string) error {
	key, id, err := decodeUploadID(uploadID)
	if err != nil {
		return err
	}
	c, err := d.client(ctx, t)
	if err != nil {
		return err
	}
	_, err = c.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucketOf(t)),
		Key:      aws.String(key),
		UploadId: aws.String(id),
	})
	d.uploadsMu.Lock()
	delete(d.uploads, uploadID)
	d.uploadsMu.Unlock()
	return mapErr("abort_multipart_upload", err)
}

// DownloadRange 读取对象区间
func (d *Drive) DownloadRange(ctx context.Context, t *model.Tenant, token string, offset, length int64) ([]byte, error) {
	c, err := d.client(ctx, t)
	if err != nil {
		return nil, err
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucketOf(t)),
		Key:    aws.String(token),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		var hs interface{ HTTPStatusCode() int }
		if errors.As(err, &hs) && hs.HTTPStatusCode() == 416 {
			// 请求区间越过文件尾
			return nil, io.EOF
		}
		return nil, mapErr("get_object", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, mapErr("get_object read", err)
	}
	return data, nil
}
