// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWTによるクライアント認証とスコープ検査、zerologによるリクエストログ、
// パニックリカバリ、CORS設定を含む。Producer APIとSaga管理APIの両方で使用する。
package middleware
