package http

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"posreports/internal/inspect"
	"posreports/internal/workspace"
)

func filesListHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	files, err := depsFrom(c).Workspaces.List(id)
	if err != nil {
		return workspaceError(c, err, "FILES_NOT_FOUND", "No files found for this job")
	}
	return c.JSON(FilesResponse{JobID: id, Files: files, TotalFiles: len(files)})
}

// wildcardPath returns the file path captured by the trailing "*".
func wildcardPath(c *fiber.Ctx) (string, error) {
	raw := c.Params("*")
	if raw == "" {
		return "", fmt.Errorf("%w: empty file name", workspace.ErrOutsideWorkspace)
	}
	rel, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", workspace.ErrOutsideWorkspace, err)
	}
	return rel, nil
}

func fileDownloadHandler(c *fiber.Ctx) error {
	rel, err := wildcardPath(c)
	if err != nil {
		return workspaceError(c, err, "FILE_NOT_FOUND", "File not found")
	}
	path, st, err := depsFrom(c).Workspaces.Open(c.Params("id"), rel)
	if err != nil {
		return workspaceError(c, err, "FILE_NOT_FOUND", "File not found")
	}
	return c.Download(path, st.Name())
}

// filePreviewHandler renders the first rows of an exported table as
// Markdown. ?rows= caps the row count.
func filePreviewHandler(c *fiber.Ctx) error {
	rel, err := wildcardPath(c)
	if err != nil {
		return workspaceError(c, err, "FILE_NOT_FOUND", "File not found")
	}
	path, _, err := depsFrom(c).Workspaces.Open(c.Params("id"), rel)
	if err != nil {
		return workspaceError(c, err, "FILE_NOT_FOUND", "File not found")
	}
	md, err := inspect.PreviewFile(path, c.QueryInt("rows", inspect.DefaultPreviewRows))
	if errors.Is(err, inspect.ErrNoTable) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ErrorResponse{
			Success: false,
			Code:    "NO_TABLE",
			Error:   "File does not contain a table",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
	return c.SendString(md)
}

func deleteFileHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	rel, err := wildcardPath(c)
	if err != nil {
		return workspaceError(c, err, "FILE_NOT_FOUND", "File not found")
	}
	if err := depsFrom(c).Workspaces.DeleteFile(id, rel); err != nil {
		return workspaceError(c, err, "FILE_NOT_FOUND", "File not found")
	}
	return c.JSON(DeleteResponse{
		Status:   "success",
		Message:  fmt.Sprintf("File %s has been deleted", rel),
		JobID:    id,
		Filename: rel,
	})
}

func deleteFilesHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	var req DeleteFilesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   fmt.Sprintf("Invalid request body: %v", err),
		})
	}

	res, err := depsFrom(c).Workspaces.DeleteFiles(id, req.Filenames)
	if err != nil {
		return workspaceError(c, err, "FILES_NOT_FOUND", "No files found for this job")
	}
	status := "success"
	if res.Partial() {
		status = "partial"
	}
	return c.JSON(DeleteFilesResponse{Status: status, JobID: id, Results: res})
}

func deleteWorkspaceHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	n, err := depsFrom(c).Workspaces.DeleteAll(id)
	if err != nil {
		return workspaceError(c, err, "FILES_NOT_FOUND", "No files found for this job")
	}
	return c.JSON(DeleteResponse{
		Status:  "success",
		Message: fmt.Sprintf("All files for job %s have been deleted", id),
		JobID:   id,
		Deleted: n,
	})
}

// workspaceError maps workspace errors onto the envelope. notFoundCode
// differs between whole-workspace and single-file endpoints.
func workspaceError(c *fiber.Ctx, err error, notFoundCode, notFoundMsg string) error {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    notFoundCode,
			Error:   notFoundMsg,
		})
	case errors.Is(err, workspace.ErrOutsideWorkspace), errors.Is(err, workspace.ErrInvalidJobID):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   err.Error(),
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false,
		Code:    "INTERNAL_ERROR",
		Error:   err.Error(),
	})
}
