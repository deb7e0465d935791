package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/session"
	"github.com/soyeahso/docchat/internal/vectorstore"
)

var (
	ErrClientClosed   = errors.New("client connection closed")
	ErrSessionUnknown = errors.New("session is not connected")
)

// indexingFailedMessage is shown for embedding failures; the cause is
// logged, not returned.
const indexingFailedMessage = "indexing failed, try again"

// classify maps a session error to the wire error and the HTTP status used
// by the upload route.
func classify(err error) (ErrorShape, int) {
	var (
		unsupported *loader.UnsupportedFileTypeError
		decoding    *loader.DecodingError
		extraction  *loader.ExtractionError
		embedding   *vectorstore.EmbeddingError
	)
	switch {
	case errors.As(err, &unsupported):
		return ErrorShape{Code: CodeUnsupportedFileType, Message: err.Error()}, http.StatusUnsupportedMediaType
	case errors.As(err, &decoding):
		return ErrorShape{Code: CodeDecodingError, Message: err.Error()}, http.StatusUnprocessableEntity
	case errors.As(err, &extraction):
		return ErrorShape{Code: CodeExtractionError, Message: err.Error()}, http.StatusUnprocessableEntity
	case errors.As(err, &embedding):
		return ErrorShape{Code: CodeIndexingFailed, Message: indexingFailedMessage, Retryable: true}, http.StatusServiceUnavailable
	case errors.Is(err, vectorstore.ErrSessionClosed):
		return ErrorShape{Code: CodeSessionClosed, Message: "session is closed"}, http.StatusGone
	case errors.Is(err, ErrSessionUnknown):
		return ErrorShape{Code: "not_found", Message: err.Error()}, http.StatusNotFound
	case errors.Is(err, session.ErrEmptyQuery):
		return ErrorShape{Code: "invalid_params", Message: "message is required"}, http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorShape{Code: "timeout", Message: "request timed out", Retryable: true}, http.StatusGatewayTimeout
	default:
		return ErrorShape{Code: "internal_error", Message: err.Error()}, http.StatusInternalServerError
	}
}
