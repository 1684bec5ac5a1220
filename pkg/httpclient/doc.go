// Package httpclient は外部サービスとのJSON形式のHTTP通信を行うクライアントを提供する。
//
// プッシュゲートウェイへの送信やProducer APIの呼び出しに使用する。
// コンテキストに設定した相関IDはX-Correlation-IDヘッダーとして伝播する。
package httpclient
