package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrObjectNotFound = errors.New("artifact: object not found")

type Object struct {
	Name        string
	ContentType string
	Data        []byte
	ModTime     time.Time
}

// ObjectStorage stores artifacts under a flat namespace and returns the public
// URL they are reachable at.
type ObjectStorage interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, name string) (Object, error)
}

func publicURL(baseURL, prefix, name string) string {
	base := strings.TrimRight(baseURL, "/")
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return base + prefix + "/" + name
}

// validName rejects anything that is not a single path element.
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("artifact: invalid object name %q", name)
	}
	return nil
}

// LocalBucket keeps objects as files in Dir.
type LocalBucket struct {
	Dir           string
	PublicBaseURL string
	URLPrefix     string
}

func (b LocalBucket) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(b.Dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(b.Dir, name)); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return publicURL(b.PublicBaseURL, b.URLPrefix, name), nil
}

func (b LocalBucket) Get(_ context.Context, name string) (Object, error) {
	if err := validName(name); err != nil {
		return Object{}, ErrObjectNotFound
	}
	path := filepath.Join(b.Dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Object{}, err
	}
	return Object{Name: name, ContentType: contentTypeFor(name), Data: data, ModTime: info.ModTime()}, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

type StoredArtifact struct {
	Name        string `gorm:"primaryKey;size:191"`
	ContentType string `gorm:"size:100"`
	Data        []byte
	CreatedAt   time.Time
}

// DatabaseBucket keeps objects as rows, for deployments without a shared disk.
type DatabaseBucket struct {
	DB            *gorm.DB
	PublicBaseURL string
	URLPrefix     string
}

func (b DatabaseBucket) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	row := StoredArtifact{Name: name, ContentType: contentType, Data: data}
	err := b.DB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return "", fmt.Errorf("insert artifact: %w", err)
	}
	return publicURL(b.PublicBaseURL, b.URLPrefix, name), nil
}

func (b DatabaseBucket) Get(ctx context.Context, name string) (Object, error) {
	var row StoredArtifact
	err := b.DB.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, err
	}
	return Object{Name: row.Name, ContentType: row.ContentType, Data: row.Data, ModTime: row.CreatedAt}, nil
}
