package lark

import (
	"bytes"
	"context"
	"fmt"
	"hash/adler32"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/bytedance/sonic"
)

// UploadInit 开启分块上传会话
func (d *Drive) UploadInit(ctx context.Context, t *model.Tenant, parentToken, fileName string, size int64) (backend.UploadSession, error) {
	payload := map[string]any{
		"file_name":   fileName,
		"parent_type": "explorer",
		"parent_node": parentToken,
		"size":        size,
	}
	var data struct {
		UploadID  string `json:"upload_id"`
		BlockSize int64  `json:"block_size"`
		BlockNum  int64  `json:"block_num"`
	}
	if err := d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/files/upload_prepare", payload, &data); err != nil {
		return backend.UploadSession{}, err
	}
	if data.BlockSize <= 0 {
		data.BlockSize = 4 * 1024 * 1024
	}
	return backend.UploadSession{UploadID: data.UploadID, BlockSize: data.BlockSize}, nil
}

// UploadBlock 上传第 seq 块
// 开放平台对 (upload_id, seq) 幂等，重复提交同一块不产生副作用
func (d *Drive) UploadBlock(ctx context.Context, t *model.Tenant, uploadID string, seq int64, data []byte) error {
	token, err := d.ensureToken(ctx, t)
	if err != nil {
		return err
	}
	if err := d.pace(ctx, t.ID); err != nil {
		return err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("upload_id", uploadID)
	_ = form.WriteField("seq", strconv.FormatInt(seq, 10))
	_ = form.WriteField("size", strconv.Itoa(len(data)))
	_ = form.WriteField("checksum", strconv.FormatUint(uint64(adler32.Checksum(data)), 10))
	part, err := form.CreateFormFile("file", fmt.Sprintf("block-%d", seq))
	if err != nil {
		return code.Wrap(code.LocalIo, "build multipart body", err)
	}
	if _, err := part.Write(data); err != nil {
		return code.Wrap(code.LocalIo, "build multipart body", err)
	}
	if err := form.Close(); err != nil {
		return code.Wrap(code.LocalIo, "build multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase(t)+"/open-apis/drive/v1/files/upload_part", &body)
	if err != nil {
		return code.Wrap(code.UpstreamPermanent, "build upload_part request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return transportError("upload_part", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return statusError("upload_part", resp.StatusCode, text)
	}

	var env apiEnvelope
	if err := sonic.Unmarshal(text, &env); err != nil {
		return code.Wrap(code.UpstreamPermanent, "decode upload_part response", err)
	}
	if env.Code != 0 {
		return code.Newf(code.UpstreamPermanent, "upload_part failed: %s (code %d)", env.Msg, env.Code)
	}
	return nil
}

// UploadFinish 结束上传会话
func (d *Drive) UploadFinish(ctx context.Context, t *model.Tenant, uploadID string, blockCount int64) (string, error) {
	payload := map[string]any{
		"upload_id": uploadID,
		"block_num": blockCount,
	}
	var data struct {
		FileToken string `json:"file_token"`
	}
	if err := d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/files/upload_finish", payload, &data); err != nil {
		return "", err
	}
	return data.FileToken, nil
}

// UploadAbort 尽力而为地放弃会话
func (d *Drive) UploadAbort(ctx context.Context, t *model.Tenant, uploadID string) error {
	payload := map[string]any{"upload_id": uploadID}
	return d.doJSON(ctx, t, "POST", "/open-apis/drive/v1/files/upload_abort", payload, nil)
}

// DownloadRange 读取文件区间
// 服务端可能返回短读，由传输引擎续读
func (d *Drive) DownloadRange(ctx context.Context, t *model.Tenant, token string, offset, length int64) ([]byte, error) {
	accessToken, err := d.ensureToken(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := d.pace(ctx, t.ID); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiBase(t)+"/open-apis/drive/v1/files/"+token+"/download", nil)
	if err != nil {
		return nil, code.Wrap(code.UpstreamPermanent, "build download request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, transportError("download", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// 读到文件尾
		return nil, io.EOF
	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("download", resp.StatusCode, text)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, transportError("download read", err)
	}
	return data, nil
}
