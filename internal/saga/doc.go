// Package saga はプッシュ通知の配信Sagaを実装する。
//
// 相関IDごとに1つのStateを持ち、送信要求・送信成功・送信失敗の各イベントを
// 純粋な遷移関数Transitionで評価する。遷移結果の永続化とコマンドの発行は
// Orchestratorが担当する。
//
// 状態遷移:
//
//	(なし) --Requested--> Sending --Sent--> Completed
//	                      Sending --Failed(上限未満)--> Sending（再送コマンドを発行）
//	                      Sending --Failed(上限到達)--> Failed
//
// Completed と Failed は終端状態で、以後のイベントは破棄される。
// 対応するSagaが存在しない送信結果はプロトコル違反としてデッドレターへ退避する。
package saga
