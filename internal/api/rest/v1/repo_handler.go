package v1

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/rookery-os/rookpkg/internal/infrastructure/archive"
	"github.com/rookery-os/rookpkg/internal/infrastructure/delta"
	"github.com/rookery-os/rookpkg/internal/infrastructure/repository"
	"github.com/rookery-os/rookpkg/internal/pkg/logger"
)

// RepoHandler defines the read-only repository serving operations
type RepoHandler interface {
	Metadata(ctx *gin.Context)
	Index(ctx *gin.Context)
	IndexSignature(ctx *gin.Context)
	Package(ctx *gin.Context)
	Delta(ctx *gin.Context)
	Health(ctx *gin.Context)
}

// repoHandler serves a repository directory laid out by the publisher:
// repo.toml, packages.json with its detached signature, and the
// packages and deltas subdirectories.
type repoHandler struct {
	dir      string
	repoName string
	logger   logger.Logger
}

type errorResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Repository string `json:"repository"`
}

// NewRepoHandler creates a handler serving the repository at dir. The
// directory must contain repo.toml, everything else may appear later.
func NewRepoHandler(dir string, log logger.Logger) (RepoHandler, error) {
	data, err := os.ReadFile(filepath.Join(dir, "repo.toml"))
	if err != nil {
		return nil, fmt.Errorf("not a repository: %s (missing repo.toml)", dir)
	}
	var metadata repository.RepoMetadata
	if err := toml.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse repository metadata: %w", err)
	}
	return &repoHandler{
		dir:      dir,
		repoName: metadata.Repository.Name,
		logger:   log,
	}, nil
}

// Metadata serves the repository metadata file
func (handler *repoHandler) Metadata(ctx *gin.Context) {
	handler.serveFile(ctx, "repo.toml", "application/toml")
}

// Index serves the package index
func (handler *repoHandler) Index(ctx *gin.Context) {
	handler.serveFile(ctx, "packages.json", "application/json")
}

// IndexSignature serves the detached index signature
func (handler *repoHandler) IndexSignature(ctx *gin.Context) {
	handler.serveFile(ctx, "packages.json.sig", "application/json")
}

// Package serves a package archive from the packages directory
func (handler *repoHandler) Package(ctx *gin.Context) {
	filename := ctx.Param("filename")
	if !validArtifactName(filename, archive.Extension) {
		ctx.JSON(http.StatusBadRequest, errorResponse{
			Message: fmt.Sprintf("invalid package filename: %s", filename),
		})
		return
	}
	handler.serveFile(ctx, filepath.Join("packages", filename), "application/octet-stream")
}

// Delta serves a delta archive from the deltas directory
func (handler *repoHandler) Delta(ctx *gin.Context) {
	filename := ctx.Param("filename")
	if !validArtifactName(filename, delta.Extension) {
		ctx.JSON(http.StatusBadRequest, errorResponse{
			Message: fmt.Sprintf("invalid delta filename: %s", filename),
		})
		return
	}
	handler.serveFile(ctx, filepath.Join("deltas", filename), "application/octet-stream")
}

// Health reports liveness and the repository being served
func (handler *repoHandler) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, healthResponse{
		Status:     "ok",
		Repository: handler.repoName,
	})
}

func (handler *repoHandler) serveFile(ctx *gin.Context, relPath, contentType string) {
	path := filepath.Join(handler.dir, relPath)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		ctx.JSON(http.StatusNotFound, errorResponse{
			Message: fmt.Sprintf("%s not found", filepath.ToSlash(relPath)),
		})
		return
	}
	ctx.Header("Content-Type", contentType)
	ctx.File(path)
}

// validArtifactName accepts plain filenames with the expected extension
// and rejects anything that could escape the serving directory.
func validArtifactName(name, ext string) bool {
	if name == "" || !strings.HasSuffix(name, ext) {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return name == filepath.Base(name)
}
