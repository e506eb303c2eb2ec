package api

import (
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docqa/internal/loader"
	"docqa/internal/models"
	"docqa/internal/util"
)

type savedUpload struct {
	Path     string
	Filename string
	Size     int64
	Checksum string
}

// saveUpload streams the upload into dir as {uuid}_{name}, hashing it on the way.
func saveUpload(dir, name string, fh *multipart.FileHeader) (savedUpload, error) {
	src, err := fh.Open()
	if err != nil {
		return savedUpload{}, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if err := util.EnsureDir(dir); err != nil {
		return savedUpload{}, err
	}
	tmp, err := os.CreateTemp(dir, "upload-*.part")
	if err != nil {
		return savedUpload{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_, _ = util.RemoveIfExists(tmp.Name())
	}()

	n, checksum, err := util.CopySHA256(tmp, src)
	if err != nil {
		return savedUpload{}, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return savedUpload{}, fmt.Errorf("close upload: %w", err)
	}

	unique := uuid.NewString() + "_" + name
	final := filepath.Join(dir, unique)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return savedUpload{}, fmt.Errorf("move upload: %w", err)
	}
	return savedUpload{Path: final, Filename: unique, Size: n, Checksum: checksum}, nil
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	start := time.Now()
	owner := ownerID(c)

	fh, err := c.FormFile("file")
	if err != nil || fh.Filename == "" {
		return util.NewValidationError("file", "required")
	}
	if !loader.Allowed(fh.Filename) {
		return util.NewValidationError("file", "type not allowed")
	}
	if fh.Size > int64(s.opts.MaxUploadBytes) {
		return errFileTooLarge()
	}

	original := util.SecureFilename(fh.Filename)
	saved, err := saveUpload(s.opts.UploadDir, original, fh)
	if err != nil {
		return err
	}
	s.logger.Info("upload saved", "owner_id", owner, "filename", saved.Filename, "bytes", saved.Size)

	ctx := c.UserContext()
	doc := models.Document{
		OwnerID:          owner,
		Filename:         saved.Filename,
		OriginalFilename: original,
		FilePath:         saved.Path,
		FileSize:         saved.Size,
		Checksum:         saved.Checksum,
		Status:           models.StatusPending,
		CollectionName:   s.opts.Collection,
	}
	if err := s.documents.Create(ctx, &doc); err != nil {
		s.discardUpload(saved.Path)
		return &util.StorageError{Op: "create document", Err: err}
	}

	depth, err := s.queue.Enqueue(ctx, models.Job{
		DocumentID:     doc.ID,
		Action:         models.ActionIndex,
		FilePath:       doc.FilePath,
		Filename:       doc.Filename,
		CollectionName: doc.CollectionName,
	})
	if err != nil {
		s.discardUpload(saved.Path)
		if _, delErr := s.documents.Delete(ctx, doc.ID, owner); delErr != nil {
			s.logger.Error("remove document after failed enqueue", "document_id", doc.ID, "error", delErr)
		}
		return fmt.Errorf("enqueue index job: %w", err)
	}

	s.logger.Info("document queued for indexing", "document_id", doc.ID, "queue_length", depth, "upload_ms", sinceMS(start))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":        "File uploaded successfully",
		"document_id":    doc.ID,
		"status":         doc.Status,
		"file_size":      doc.FileSize,
		"upload_time_ms": sinceMS(start),
	})
}

func (s *Server) discardUpload(path string) {
	if _, err := util.RemoveIfExists(path); err != nil {
		s.logger.Warn("failed to clean up upload", "path", path, "error", err)
	}
}

func documentID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID()
	}
	return id, nil
}

func (s *Server) handleListDocuments(c *fiber.Ctx) error {
	docs, err := s.documents.ListByOwner(c.UserContext(), ownerID(c))
	if err != nil {
		return err
	}
	return c.JSON(docs)
}

func (s *Server) handleGetDocument(c *fiber.Ctx) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	doc, err := s.documents.GetForOwner(c.UserContext(), id, ownerID(c))
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

// handleDeleteDocument queues vector removal before touching the file or the row, so
// a failed enqueue leaves everything in place for a retry.
func (s *Server) handleDeleteDocument(c *fiber.Ctx) error {
	start := time.Now()
	id, err := documentID(c)
	if err != nil {
		return err
	}
	owner := ownerID(c)
	ctx := c.UserContext()

	doc, err := s.documents.GetForOwner(ctx, id, owner)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, models.Job{
		DocumentID:     doc.ID,
		Action:         models.ActionDelete,
		CollectionName: doc.CollectionName,
	}); err != nil {
		return fmt.Errorf("enqueue delete job: %w", err)
	}

	fileDeleted, err := util.RemoveIfExists(doc.FilePath)
	if err != nil {
		s.logger.Warn("failed to delete document file", "document_id", doc.ID, "path", doc.FilePath, "error", err)
	}
	deleted, err := s.documents.Delete(ctx, doc.ID, owner)
	if err != nil {
		return &util.StorageError{Op: "delete document", Err: err}
	}
	if !deleted {
		return fmt.Errorf("document %d: %w", doc.ID, util.ErrNotFound)
	}

	s.logger.Info("document deleted", "document_id", doc.ID, "file_deleted", fileDeleted)
	return c.JSON(fiber.Map{
		"message":          "Document deleted successfully",
		"document_id":      doc.ID,
		"file_deleted":     fileDeleted,
		"deletion_time_ms": sinceMS(start),
	})
}
