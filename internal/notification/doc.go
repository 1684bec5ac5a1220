// Package notification はプッシュ通知の送信を担当するDispatcherを提供する。
//
// DispatcherはSagaが発行した送信コマンドを受け取り、Senderを通じて
// すべての配信先デバイスへ通知を送信する。送信の成否にかかわらず、
// コマンド1件につき送信結果（PushNotificationSent または PushNotificationFailed）を
// 必ず1件発行する。送信中の失敗やパニックはすべて失敗結果に変換され、
// 呼び出し元へエラーとして伝播しない。
//
// Dispatcherは状態を持たない。再送の判断はSagaが行う。
package notification
