package middleware

import (
	"github.com/gin-gonic/gin"

	midsec "ChatGateway/middleware/security"
	"ChatGateway/service/chat"
)

type RouteOpt struct {
	IsAuth   bool
	Verifier chat.TokenVerifier // required when IsAuth
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.GET(path,
			midsec.Middleware(opt.Verifier, midsec.DefaultOptions()),
			handler,
		)
	} else {
		r.GET(path, handler)
	}
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.POST(path,
			midsec.Middleware(opt.Verifier, midsec.DefaultOptions()),
			handler,
		)
	} else {
		r.POST(path, handler)
	}
}
