package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hts-nas/nasgate/internal/auth"
	"github.com/hts-nas/nasgate/internal/gateway"
	"github.com/hts-nas/nasgate/internal/logging"
	"github.com/hts-nas/nasgate/internal/metrics"
)

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	listing, err := s.engine.List(account, r.URL.Query().Get("path"))
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentPath string `json:"parentPath"`
		Name       string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account := auth.GetAccount(r.Context())
	path, err := s.engine.Mkdir(account, req.ParentPath, req.Name)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("folder created", zap.String("path", path), zap.String("actor", account.Username))
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	account := auth.GetAccount(r.Context())
	parentPath := ""
	var files []gateway.IncomingFile

	// Process parts in order: the parentPath field must precede the files.
	// Each file part is streamed straight into the engine one at a time.
	result := &gateway.UploadResult{Accepted: []string{}, RejectedLocked: []string{}}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "malformed multipart form")
			return
		}
		if part.FormName() == "parentPath" {
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			part.Close()
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "malformed multipart form")
				return
			}
			parentPath = string(value)
			continue
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		counted := &countingReader{r: part}
		files = append(files, gateway.IncomingFile{Name: part.FileName(), Content: counted})
		batch, err := s.engine.Upload(account, parentPath, files)
		part.Close()
		files = files[:0]
		if err != nil {
			s.sendOpError(w, err)
			return
		}
		metrics.RecordContentUpload(counted.n)
		result.Accepted = append(result.Accepted, batch.Accepted...)
		result.RejectedLocked = append(result.RejectedLocked, batch.RejectedLocked...)
	}

	if len(result.Accepted) == 0 && len(result.RejectedLocked) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in upload")
		return
	}
	logging.Info("upload finished",
		zap.String("parent", parentPath),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("rejected", len(result.RejectedLocked)),
		zap.String("actor", account.Username))
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account := auth.GetAccount(r.Context())
	if err := s.engine.Delete(account, req.Path, req.Password); err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("item deleted", zap.String("path", req.Path), zap.String("actor", account.Username))
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "removed": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		NewName  string `json:"newName"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account := auth.GetAccount(r.Context())
	newPath, err := s.engine.Rename(account, req.Path, req.NewName, req.Password)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("item renamed",
		zap.String("from", req.Path),
		zap.String("to", newPath),
		zap.String("actor", account.Username))
	writeJSON(w, http.StatusOK, map[string]string{"path": newPath})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourcePath      string `json:"sourcePath"`
		DestinationPath string `json:"destinationPath"`
		NewName         string `json:"newName"`
		Password        string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account := auth.GetAccount(r.Context())
	newPath, err := s.engine.Move(account, req.SourcePath, req.DestinationPath, req.NewName, req.Password)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("item moved",
		zap.String("from", req.SourcePath),
		zap.String("to", newPath),
		zap.String("actor", account.Username))
	writeJSON(w, http.StatusOK, map[string]string{"path": newPath})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourcePath      string `json:"sourcePath"`
		DestinationPath string `json:"destinationPath"`
		NewName         string `json:"newName"`
		Password        string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account := auth.GetAccount(r.Context())
	newPath, err := s.engine.Copy(account, req.SourcePath, req.DestinationPath, req.NewName, req.Password)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("item copied",
		zap.String("from", req.SourcePath),
		zap.String("to", newPath),
		zap.String("actor", account.Username))
	writeJSON(w, http.StatusCreated, map[string]string{"path": newPath})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if !account.IsAdmin() {
		s.sendError(w, http.StatusForbidden, "only admins can manage locks")
		return
	}

	var req struct {
		Path     string `json:"path"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "password required")
		return
	}

	if err := s.engine.Lock(account, req.Path, req.Password); err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("item locked", zap.String("path", req.Path), zap.String("actor", account.Username))
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "locked": true})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if !account.IsAdmin() {
		s.sendError(w, http.StatusForbidden, "only admins can manage locks")
		return
	}

	var req struct {
		Path     string `json:"path"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.Unlock(account, req.Path, req.Password); err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("item unlocked", zap.String("path", req.Path), zap.String("actor", account.Username))
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "locked": false})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	path := r.URL.Query().Get("path")
	password := r.URL.Query().Get("password")

	rc, info, err := s.engine.ReadContent(account, path, password)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name))
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		logging.Warn("content transfer error", zap.String("path", path), zap.Error(err))
	}
	metrics.RecordContentDownload(n)
}
