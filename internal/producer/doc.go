// Package producer はプッシュ通知の送信要求を発行する。
//
// Producerは相関IDを採番して送信要求（試行番号0）をバスへ発行するだけで、
// 配信の結果は待たない。再送と終端の判定は配信Sagaが担当する。
// 要求の発行経路として、デモ用のWorkerとHTTP APIを提供する。
package producer
