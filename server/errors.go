package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ineyio/inferbill"
)

const ctxErrorKind = "error_kind"

type errorBody struct {
	OK                bool   `json:"ok"`
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
	Replayed          bool   `json:"replayed,omitempty"`
	CorrelationID     string `json:"correlationId"`
}

// abort writes err as the JSON error body and stops the handler chain.
func abort(c *gin.Context, err error) {
	kind := inferbill.KindOf(err)
	body := errorBody{
		Error:         string(kind),
		Message:       inferbill.MessageOf(err),
		Replayed:      inferbill.IsReplayed(err),
		CorrelationID: inferbill.CorrelationID(c.Request.Context()),
	}
	if kind == inferbill.KindRateLimited {
		secs := int64(inferbill.RetryAfterOf(err).Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfterSeconds = secs
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}

	c.Set(ctxErrorKind, string(kind))
	_ = c.Error(err)
	c.AbortWithStatusJSON(kind.HTTPStatus(), body)
}
