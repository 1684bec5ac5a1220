package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/pushsaga/pkg/logx"
)

// RequestLogger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// 5xxはerror、4xxはwarn、それ以外はinfoで出力する。
func RequestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		if id := GetClientID(c); id != "" {
			fields = append(fields, logx.String("client_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("HTTPリクエスト", fields...)
		case status >= 400:
			log.Warn("HTTPリクエスト", fields...)
		default:
			log.Info("HTTPリクエスト", fields...)
		}
	}
}
