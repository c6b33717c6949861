package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

const fileChunkSize = 64 * 1024

// filePathParam extracts and validates the wildcard path parameter. The
// file API addresses absolute server paths.
func filePathParam(c *gin.Context) (string, bool) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	path = "/" + path
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) || cleaned == "/" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "path must be absolute"})
		return "", false
	}
	return cleaned, true
}

// uploadFile streams a multipart file to disk in chunks.
func (s *Server) uploadFile(c *gin.Context) {
	path, ok := filePathParam(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "multipart 'file' field is required"})
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	dst, err := os.Create(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	defer dst.Close()

	buf := make([]byte, fileChunkSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// downloadFile serves a file's bytes.
func (s *Server) downloadFile(c *gin.Context) {
	path, ok := filePathParam(c)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.File(path)
}
