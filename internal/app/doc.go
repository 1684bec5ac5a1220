// Package app は設定からconsumerプロセスの部品を組み立てる。
//
// cmd/consumer（RabbitMQ）とcmd/standalone（インメモリバス）は
// バスの実装だけが異なり、Dispatcher・Saga・管理APIの組み立ては共通である。
package app
