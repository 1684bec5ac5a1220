// Package event はサービス間でやり取りするメッセージ契約を提供する。
//
// すべてのメッセージはEventエンベロープに包まれてバスを流れる。
// 相関ID（CorrelationID）は1つの配信要求に対して1度だけ採番され、
// 送信要求・送信結果・終端通知のすべてで同じ値が引き継がれる。
package event
