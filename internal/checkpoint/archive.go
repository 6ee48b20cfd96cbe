package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/fsutil"
)

// Archiver 保存到達終態的 job 的最後一個 checkpoint
//
// job 紀錄只會被歸檔，不會被刪除。
type Archiver interface {
	Archive(ctx context.Context, cp *Checkpoint) (string, error)
	Fetch(ctx context.Context, jobID string) (*Checkpoint, error)
}

const archiveName = "final.json"

// ============================================================================
// 本機目錄
// ============================================================================

// FileArchiver 歸檔到本機目錄：<dir>/jobs/<job_id>/final.json
type FileArchiver struct {
	fs  afero.Fs
	dir string
}

// NewFileArchiver 建立本機歸檔器
func NewFileArchiver(fs afero.Fs, dir string) *FileArchiver {
	return &FileArchiver{fs: fs, dir: dir}
}

func (a *FileArchiver) path(jobID string) string {
	return filepath.Join(a.dir, "jobs", jobID, archiveName)
}

// Archive 寫入歸檔
func (a *FileArchiver) Archive(_ context.Context, cp *Checkpoint) (string, error) {
	p := a.path(cp.JobID)
	if err := fsutil.WriteJSONAtomic(a.fs, p, cp); err != nil {
		return "", fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	return p, nil
}

// Fetch 讀取歸檔
func (a *FileArchiver) Fetch(_ context.Context, jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := fsutil.ReadJSON(a.fs, a.path(jobID), &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: archive for job %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &cp, nil
}

// ============================================================================
// S3
// ============================================================================

// S3API S3Archiver 使用到的 S3 操作，測試時可替換
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Config S3 歸檔設定
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archiver 歸檔到 s3://<bucket>/<prefix>/jobs/<job_id>/final.json
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archiver 使用預設 AWS 設定鏈（環境變數、shared config、IMDS）建立 client
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("checkpoint: s3 archive requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	return NewS3ArchiverWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiverWithClient 使用自訂 client（測試用）
func NewS3ArchiverWithClient(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) key(jobID string) string {
	return path.Join(a.prefix, "jobs", jobID, archiveName)
}

// Archive 上傳歸檔
func (a *S3Archiver) Archive(ctx context.Context, cp *Checkpoint) (string, error) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := a.key(cp.JobID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"job-id":  cp.JobID,
			"phase":   string(cp.Phase),
			"version": strconv.Itoa(cp.Version),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// Fetch 下載歸檔
func (a *S3Archiver) Fetch(ctx context.Context, jobID string) (*Checkpoint, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(jobID)),
	})
	if err != nil {
		return nil, fmt.Errorf("download from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read S3 object: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &cp, nil
}
