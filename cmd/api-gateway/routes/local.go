package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/storage"
)

// maxLocalPartBytes matches the largest part S3 accepts
const maxLocalPartBytes = 5 << 30

// LocalUploadRoutes mounts the receiver for URLs signed by local storage.
// Production deployments sign URLs against S3 or MinIO and never hit this.
func LocalUploadRoutes(router *gin.Engine, local *storage.LocalStorage) {
	router.PUT(storage.LocalUploadPath+"/:bucket", handleLocalPartUpload(local))
}

func handleLocalPartUpload(local *storage.LocalStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := storage.ParsePartRequest(c.Request, c.Param("bucket"))
		if err == nil {
			err = local.VerifyPart(req)
		}
		if err != nil {
			respondError(c, localUploadError(err))
			return
		}

		body := http.MaxBytesReader(c.Writer, c.Request.Body, maxLocalPartBytes)
		etag, err := local.PutPart(c.Request.Context(), req.Bucket, req.Key, req.UploadID, req.PartNumber, body, req.ContentMD5)
		if err != nil {
			respondError(c, localUploadError(err))
			return
		}

		c.Header("ETag", `"`+etag+`"`)
		c.Status(http.StatusOK)
	}
}

func localUploadError(err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrSignatureInvalid):
		return apperr.Wrap(err, http.StatusForbidden, apperr.CodeSignatureInvalid, "signature does not match")
	case errors.Is(err, storage.ErrSignatureExpired):
		return apperr.Wrap(err, http.StatusForbidden, apperr.CodeSignatureExpired, "signed url has expired")
	case errors.Is(err, storage.ErrBadDigest):
		return apperr.Wrap(err, http.StatusBadRequest, apperr.CodeBadDigest, "content-md5 does not match body")
	case errors.Is(err, storage.ErrObjectNotFound):
		return apperr.Wrap(err, http.StatusNotFound, apperr.CodeUploadNotFound, "multipart upload not found")
	case errors.Is(err, storage.ErrInvalidPart):
		return apperr.Wrap(err, http.StatusBadRequest, apperr.CodeInvalidPartNumber, "invalid part")
	case errors.As(err, &tooLarge):
		return apperr.Wrap(err, http.StatusRequestEntityTooLarge, apperr.CodeInvalidPartSize, "part body too large")
	default:
		return err
	}
}
