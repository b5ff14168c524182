package handler

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/internal/pkg/kerrors"
	"github.com/S1riyS/ext2-server/internal/service"
	"github.com/S1riyS/ext2-server/pkg/binary"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
)

type Handler struct {
	service service.FileSystemService
}

func NewHandler(service service.FileSystemService) *Handler {
	return &Handler{service: service}
}

var errBadParam = errors.New("missing or malformed parameter")

// params reads typed query parameters and remembers the first failure.
type params struct {
	q   url.Values
	err error
}

func newParams(r *http.Request) *params {
	return &params{q: r.URL.Query()}
}

func (p *params) str(key string) string {
	v := p.q.Get(key)
	if v == "" && p.err == nil {
		p.err = errBadParam
	}
	return v
}

func (p *params) int64(key string) int64 {
	v := p.str(key)
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = errBadParam
	}
	return n
}

func (p *params) uint64(key string) uint64 {
	v := p.str(key)
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.err = errBadParam
	}
	return n
}

func (p *params) uint32(key string) uint32 {
	v := p.str(key)
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		p.err = errBadParam
	}
	return uint32(n)
}

// optional parses key with fn only when it is present.
func optional[T any](p *params, key string, fn func(string) T) *T {
	if p.q.Get(key) == "" {
		return nil
	}
	v := fn(key)
	return &v
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeMeta(w http.ResponseWriter, meta *models.NodeMeta) {
	data, err := binary.EncodeNodeMeta(meta)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleGetRoot(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	meta, err := h.service.GetRoot(r.Context())
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	parent := p.int64("parent")
	name := p.str("name")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Lookup(r.Context(), parent, name)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleIterateDir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	dirIno := p.int64("dir_ino")
	offset := p.uint64("offset")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	dirent, err := h.service.IterateDir(r.Context(), dirIno, &offset)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeDirent(dirent)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleCreateFile(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	parent := p.int64("parent")
	name := p.str("name")
	mode := p.uint32("mode")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.CreateFile(r.Context(), parent, name, mode)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	parent := p.int64("parent")
	name := p.str("name")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Unlink(r.Context(), parent, name); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleMkdir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	parent := p.int64("parent")
	name := p.str("name")
	mode := p.uint32("mode")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.CreateDir(r.Context(), parent, name, mode)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleRmdir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	parent := p.int64("parent")
	name := p.str("name")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Rmdir(r.Context(), parent, name); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

// maxReadLength bounds the buffer a single read request may allocate.
const maxReadLength = 1 << 20

func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	length := p.uint64("len")
	offset := p.int64("offset")
	if p.err != nil || length > maxReadLength {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	buffer := make([]byte, length)
	read, err := h.service.Read(r.Context(), ino, buffer, offset)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	// Only the bytes actually read
	binary.WriteResponse(w, 0, buffer[:read])
}

func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleWrite"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Info("Write request received",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr))

	if !allowGet(w, r) {
		logger.Warn("Method not allowed", slog.String("method", r.Method))
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	length := p.uint64("len")
	offset := p.int64("offset")
	dataBase64 := p.str("data")
	if p.err != nil {
		logger.Warn("Missing required parameters", slog.String("query", r.URL.RawQuery))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		logger.Warn("Failed to decode base64 data", slogext.Err(err))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if uint64(len(data)) < length {
		logger.Warn("Buffer size is less than requested length",
			slog.Uint64("requested_length", length),
			slog.Int("buffer_size", len(data)))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	written, err := h.service.Write(ctx, ino, data, length, offset)
	if err != nil {
		code := mapErrorToCode(err)
		logger.Error("Service.Write failed", slogext.Err(err),
			slog.Int64("ino", ino),
			slog.Int64("offset", offset),
			slog.Int64("error_code", code))
		binary.WriteResponse(w, code, nil)
		return
	}

	logger.Info("Write successful",
		slog.Int64("ino", ino),
		slog.Int64("bytes_written", written),
		slog.Int64("offset", offset))

	binary.WriteInt64Response(w, 0, written)
}

func (h *Handler) HandleLink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	targetIno := p.int64("target_ino")
	parent := p.int64("parent")
	name := p.str("name")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Link(r.Context(), targetIno, parent, name); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleCountLinks(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	count, err := h.service.CountLinks(r.Context(), ino)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteUint32Response(w, 0, count)
}

func (h *Handler) HandleTruncate(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	size := p.int64("size")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Truncate(r.Context(), ino, size); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleRename(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	oldParent := p.int64("old_parent")
	oldName := p.str("old_name")
	newParent := p.int64("new_parent")
	newName := p.str("new_name")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Rename(r.Context(), oldParent, oldName, newParent, newName); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleSymlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	parent := p.int64("parent")
	name := p.str("name")
	target := p.str("target")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Symlink(r.Context(), parent, name, target)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleReadlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	target, err := h.service.Readlink(r.Context(), ino)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, []byte(target))
}

func (h *Handler) HandleGetattr(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Getattr(r.Context(), ino)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleSetattr(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	ino := p.int64("ino")
	attr := models.SetAttr{
		Mode:  optional(p, "mode", p.uint32),
		UID:   optional(p, "uid", p.uint32),
		GID:   optional(p, "gid", p.uint32),
		Size:  optional(p, "size", p.int64),
		Atime: optional(p, "atime", p.int64),
		Mtime: optional(p, "mtime", p.int64),
	}
	if p.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Setattr(r.Context(), ino, attr)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	writeMeta(w, meta)
}

func (h *Handler) HandleStatFS(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	st, err := h.service.StatFS(r.Context())
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeStatFS(st)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"ext2-server"}`))
}

// mapErrorToCode returns the negative errno sent back to the client.
func mapErrorToCode(err error) int64 {
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return -serviceErr.Code
	}
	return kerrors.EIO_NEG
}
