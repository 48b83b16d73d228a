package security

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ChatGateway/service/chat"
	"ChatGateway/tools/errs"
)

// Context keys the downstream handlers read.
const (
	CtxIdentityKey = "identity" // *chat.Identity
	CtxTokenKey    = "authorization"
)

type Options struct {
	VerifyTimeout time.Duration // default 2s
}

func DefaultOptions() *Options {
	return &Options{VerifyTimeout: 2 * time.Second}
}

// Middleware authenticates HTTP requests with the same verifier the
// websocket handshake uses.
func Middleware(v chat.TokenVerifier, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := chat.ExtractToken(c.Request)

		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.VerifyTimeout)
		defer cancel()

		identity, err := v.Verify(ctx, token)
		if err != nil {
			ce := errs.AsCodeError(err)
			if ce == nil {
				ce = errs.ErrTokenInvalid
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ce)
			return
		}

		c.Set(CtxTokenKey, token)
		c.Set(CtxIdentityKey, identity)
		c.Next()
	}
}
